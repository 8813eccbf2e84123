package core

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewTraceID returns a sortable ULID used to tag daemon log lines and IPC
// responses.
func NewTraceID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRequestID returns a random correlation id for provider requests.
func NewRequestID() string {
	return uuid.NewString()
}

// NewNotificationID returns an id for a user notification.
func NewNotificationID() string {
	return "ntf_" + NewTraceID()
}
