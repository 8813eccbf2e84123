package provider

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// Call is one in-flight request. Done is closed exactly once, after Result
// or Error has been set.
type Call struct {
	RequestID string
	Request   protocol.EthereumRequest
	Result    json.RawMessage
	Error     error

	done  chan struct{}
	once  sync.Once
	sub   transport.Subscription
	timer *time.Timer
}

func newCall(id string, req protocol.EthereumRequest) *Call {
	return &Call{RequestID: id, Request: req, done: make(chan struct{})}
}

// Done is closed when the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether the call has settled.
func (c *Call) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Call) finish(result json.RawMessage, err error) bool {
	settled := false
	c.once.Do(func() {
		c.Result = result
		c.Error = err
		close(c.done)
		settled = true
	})
	return settled
}

// JSONRPCResponse is handed to legacy sendAsync callbacks.
type JSONRPCResponse struct {
	ID      json.RawMessage `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
}

// Callback is the legacy sendAsync continuation. Exactly one argument is
// non-nil.
type Callback func(err error, resp *JSONRPCResponse)
