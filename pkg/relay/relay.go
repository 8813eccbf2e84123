// Package relay is the content-script bridge between an untrusted page
// channel and the tab's privileged extension port. Nothing crosses inward
// unless it parses as a request envelope.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// Port is the privileged side of the relay, scoped to one tab.
type Port interface {
	Send(transport.Message) error
	Subscribe(transport.Listener) transport.Subscription
}

// Logger is the subset of the zap sugared logger the relay uses.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

// Relay forwards between page and port. It keeps no per-request state.
type Relay struct {
	page transport.Channel
	port Port
	log  Logger

	mu   sync.Mutex
	subs []transport.Subscription
}

// New builds a relay; a nil logger discards output.
func New(page transport.Channel, port Port, logger Logger) *Relay {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Relay{page: page, port: port, log: logger}
}

// Start attaches both directions. Calling Start twice has no extra effect.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs != nil {
		return
	}
	r.subs = []transport.Subscription{
		r.page.Subscribe(r.fromPage),
		r.port.Subscribe(r.fromExtension),
	}
}

// Stop detaches both directions.
func (r *Relay) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (r *Relay) fromPage(msg transport.Message) {
	defer r.recoverPanic("page")
	if msg.Type != protocol.TypeRequest {
		return
	}
	env, err := protocol.ParseRequestEnvelope(msg.Data)
	if err != nil {
		r.log.Debugw("dropping invalid page request", "error", err)
		return
	}
	out, err := transport.NewMessage(protocol.TypeDappRequest, protocol.DappRequest{
		RequestID: env.RequestID,
		Request:   env.EthereumRequest,
	})
	if err == nil {
		err = r.port.Send(out)
	}
	if err != nil {
		r.log.Warnw("forward to extension failed", "requestId", env.RequestID, "method", env.Method, "error", err)
		r.toPage(protocol.TypeResponse, protocol.ErrorEnvelope(env.RequestID, protocol.DisconnectedError()))
	}
}

func (r *Relay) fromExtension(msg transport.Message) {
	defer r.recoverPanic("extension")
	switch msg.Type {
	case protocol.TypeAccountResponse:
		resp, err := transport.Decode[protocol.AccountResponse](msg, msg.Type)
		if err != nil {
			r.rejectMalformed(msg, err)
			return
		}
		ev, err := protocol.NewProviderEvent(protocol.EventConnect, protocol.ConnectInfo{
			ChainID:     resp.ChainID,
			ProviderURL: resp.ProviderURL,
		})
		if err == nil {
			r.toPage(protocol.TypeEvent, ev)
		}
		result, _ := json.Marshal(resp.ConnectedAddresses)
		r.toPage(protocol.TypeResponse, protocol.ResultEnvelope(resp.RequestID, result))

	case protocol.TypeChainIDResponse:
		resp, err := transport.Decode[protocol.ChainIDResponse](msg, msg.Type)
		if err != nil {
			r.rejectMalformed(msg, err)
			return
		}
		result, _ := json.Marshal(resp.ChainID)
		r.toPage(protocol.TypeResponse, protocol.ResultEnvelope(resp.RequestID, result))

	case protocol.TypeResultResponse:
		resp, err := transport.Decode[protocol.ResultResponse](msg, msg.Type)
		if err != nil {
			r.rejectMalformed(msg, err)
			return
		}
		r.toPage(protocol.TypeResponse, protocol.ResultEnvelope(resp.RequestID, resp.Result))

	case protocol.TypeErrorResponse:
		resp, err := transport.Decode[protocol.ErrorResponse](msg, msg.Type)
		if err != nil {
			r.rejectMalformed(msg, err)
			return
		}
		r.toPage(protocol.TypeResponse, protocol.ErrorEnvelope(resp.RequestID, resp.Error))

	case protocol.TypeProviderEvent:
		ev, err := transport.Decode[protocol.ProviderEvent](msg, msg.Type)
		if err != nil {
			r.log.Debugw("dropping invalid provider event", "error", err)
			return
		}
		r.toPage(protocol.TypeEvent, ev)

	default:
		r.log.Debugw("dropping unknown extension message", "type", msg.Type)
	}
}

// rejectMalformed settles the page request with a generic error when a reply
// cannot be decoded but still names its request.
func (r *Relay) rejectMalformed(msg transport.Message, err error) {
	r.log.Warnw("malformed extension reply", "type", msg.Type, "error", err)
	var head struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(msg.Data, &head) != nil || head.RequestID == "" {
		return
	}
	r.toPage(protocol.TypeResponse, protocol.ErrorEnvelope(head.RequestID, protocol.InternalError(err)))
}

func (r *Relay) toPage(typ string, v any) {
	msg, err := transport.NewMessage(typ, v)
	if err != nil {
		r.log.Warnw("encode page message", "type", typ, "error", err)
		return
	}
	if err := r.page.Post(msg); err != nil {
		r.log.Debugw("post to page failed", "type", typ, "error", err)
	}
}

func (r *Relay) recoverPanic(direction string) {
	if v := recover(); v != nil {
		r.log.Warnw("relay recovered from panic", "direction", direction, "panic", v)
	}
}
