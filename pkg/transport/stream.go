package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/rexliu/dappbridge/pkg/ipc"
)

// Stream is a Channel over a framed byte stream, such as Chrome native
// messaging on stdin/stdout. Post writes a frame; Run reads frames and
// dispatches them to subscribers.
type Stream struct {
	r         io.Reader
	w         io.Writer
	writeMu   sync.Mutex
	listeners listenerSet
}

// NewStream wraps a reader/writer pair.
func NewStream(r io.Reader, w io.Writer) *Stream {
	return &Stream{r: r, w: w}
}

// Post encodes msg as JSON and writes one frame.
func (s *Stream) Post(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ipc.WriteFrame(s.w, payload)
}

// Subscribe registers l for frames read by Run.
func (s *Stream) Subscribe(l Listener) Subscription {
	return s.listeners.add(l)
}

// Run reads until EOF, a read error or ctx cancellation. Frames that do not
// decode as a Message are passed to onBad (if set) and skipped. A clean EOF
// returns nil.
func (s *Stream) Run(ctx context.Context, onBad func([]byte, error)) error {
	if c, ok := s.r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}
	for {
		payload, err := ipc.ReadFrame(s.r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
			if err == nil {
				err = errors.New("transport: missing message type")
			}
			if onBad != nil {
				onBad(payload, err)
			}
			continue
		}
		s.listeners.dispatch(msg)
	}
}
