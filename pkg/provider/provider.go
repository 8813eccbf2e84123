// Package provider is the page-side EIP-1193 provider. It multiplexes any
// number of concurrent requests over one transport.Channel and correlates
// responses by request id.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// DefaultTimeout bounds how long a request may stay pending.
const DefaultTimeout = 60 * time.Second

// Logger is the subset of the zap sugared logger the provider uses.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func WithLogger(l Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithIDGenerator replaces the UUID correlation id source.
func WithIDGenerator(fn func() string) Option {
	return func(p *Provider) { p.newID = fn }
}

// Provider owns the pending-request table for one page realm.
type Provider struct {
	ch      transport.Channel
	timeout time.Duration
	log     Logger
	newID   func() string

	mu      sync.Mutex
	pending map[string]*Call
	closed  bool

	events   registry
	async    *dispatcher
	eventSub transport.Subscription

	stateMu     sync.RWMutex
	chainID     string
	providerURL string
	accounts    []string
}

// New attaches a provider to ch and starts listening for provider events.
func New(ch transport.Channel, opts ...Option) *Provider {
	p := &Provider{
		ch:      ch,
		timeout: DefaultTimeout,
		log:     logging.Nop(),
		newID:   core.NewRequestID,
		pending: make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.async = newDispatcher(func(ev Event) { p.events.send(ev.Name, ev.Data) })
	p.eventSub = ch.Subscribe(p.onEventMessage)
	return p
}

// Go starts a request and returns immediately. Input that does not validate
// settles the call at once without posting anything.
func (p *Provider) Go(req any) *Call {
	parsed, err := toRequest(req)
	if err != nil {
		call := newCall("", protocol.EthereumRequest{})
		call.finish(nil, err)
		return call
	}
	id := p.newID()
	call := newCall(id, parsed)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		call.finish(nil, protocol.DisconnectedError())
		return call
	}
	if _, dup := p.pending[id]; dup {
		p.mu.Unlock()
		call.finish(nil, protocol.InternalError(fmt.Errorf("duplicate request id %s", id)))
		return call
	}
	p.pending[id] = call
	p.mu.Unlock()

	sub := p.ch.Subscribe(p.responseListener(id))
	p.mu.Lock()
	if _, ok := p.pending[id]; ok {
		call.sub = sub
		if p.timeout > 0 {
			call.timer = time.AfterFunc(p.timeout, func() { p.expire(id) })
		}
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		sub.Unsubscribe()
	}

	msg, err := transport.NewMessage(protocol.TypeRequest, protocol.RequestEnvelope{EthereumRequest: parsed, RequestID: id})
	if err == nil {
		err = p.ch.Post(msg)
	}
	if err != nil {
		p.log.Warnw("post request failed", "requestId", id, "method", parsed.Method, "error", err)
		p.settle(id, nil, protocol.DisconnectedError())
	}
	return call
}

// Request sends req and waits for the result. Cancelling ctx rejects the
// request and drops its pending entry.
func (p *Provider) Request(ctx context.Context, req any) (json.RawMessage, error) {
	call := p.Go(req)
	select {
	case <-call.Done():
	case <-ctx.Done():
		p.settle(call.RequestID, nil, protocol.ToRPCError(ctx.Err()))
		<-call.Done()
	}
	return call.Result, call.Error
}

// Enable is the legacy alias for eth_requestAccounts.
func (p *Provider) Enable(ctx context.Context) ([]string, error) {
	raw, err := p.Request(ctx, map[string]any{"method": protocol.MethodRequestAccounts})
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, protocol.InternalError(err)
	}
	return accounts, nil
}

// Send implements both legacy signatures: (method string, params array)
// waits for the result; (request object, Callback) hands off to SendAsync
// and returns nil, nil.
func (p *Provider) Send(ctx context.Context, methodOrRequest any, paramsOrCallback any) (json.RawMessage, error) {
	if method, ok := methodOrRequest.(string); ok {
		if !isParamsArray(paramsOrCallback) {
			return nil, protocol.InvalidParamsError("unsupported parameters")
		}
		req, err := protocol.NewRequest(method, paramsOrCallback)
		if err != nil {
			return nil, err
		}
		return p.Request(ctx, req)
	}
	cb, ok := asCallback(paramsOrCallback)
	if !ok || methodOrRequest == nil {
		return nil, protocol.InvalidParamsError("unsupported parameters")
	}
	p.SendAsync(methodOrRequest, cb)
	return nil, nil
}

// SendAsync runs req and reports through cb on its own goroutine. It never
// panics, including when cb does.
func (p *Provider) SendAsync(req any, cb Callback) {
	call := p.Go(req)
	go func() {
		<-call.Done()
		if cb == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				p.log.Warnw("sendAsync callback panicked", "requestId", call.RequestID, "panic", r)
			}
		}()
		if call.Error != nil {
			cb(call.Error, nil)
			return
		}
		version := call.Request.JSONRPC
		if version == "" {
			version = protocol.JSONRPCVersion
		}
		cb(nil, &JSONRPCResponse{ID: call.Request.ID, JSONRPC: version, Result: call.Result})
	}()
}

// HandleResponse settles the pending request named by resp. Unknown or
// already settled ids are logged and ignored; it reports whether a request
// was settled.
func (p *Provider) HandleResponse(resp protocol.ResponseEnvelope) bool {
	if resp.RequestID == "" {
		p.log.Debugw("dropping response without requestId")
		return false
	}
	var settled bool
	switch {
	case resp.Validate() != nil:
		settled = p.settle(resp.RequestID, nil, protocol.InternalError(protocol.ErrAmbiguousResponse))
	case resp.Error != nil:
		settled = p.settle(resp.RequestID, nil, resp.Error)
	default:
		settled = p.settle(resp.RequestID, resp.Result, nil)
	}
	if !settled {
		p.log.Debugw("dropping response for unknown request", "requestId", resp.RequestID)
	}
	return settled
}

// IsConnected always reports true; liveness is not tracked here.
func (p *Provider) IsConnected() bool {
	return true
}

// Pending returns the number of unsettled requests.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// On subscribes ch to the named provider event.
func (p *Provider) On(name string, ch chan<- Event) event.Subscription {
	return p.events.subscribe(name, ch)
}

// Emit delivers data to every subscriber of name and returns how many
// received it. It blocks until all of them have. Events arriving from the
// wallet and accountsChanged after a request are delivered asynchronously
// instead.
func (p *Provider) Emit(name string, data json.RawMessage) int {
	return p.events.send(name, data)
}

// ListenerCount returns the number of live On subscriptions.
func (p *Provider) ListenerCount() int {
	return p.events.count()
}

// ChainID returns the hex chain id last announced by the wallet.
func (p *Provider) ChainID() string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.chainID
}

func (p *Provider) ProviderURL() string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.providerURL
}

// Accounts returns the accounts last exposed to the page.
func (p *Provider) Accounts() []string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return append([]string(nil), p.accounts...)
}

// Close tears the provider down as if the page realm went away: every
// pending request is rejected as disconnected and all subscriptions end.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.settle(id, nil, protocol.DisconnectedError())
	}
	p.eventSub.Unsubscribe()
	p.async.stop(p.events.close)
}

func (p *Provider) responseListener(id string) transport.Listener {
	return func(msg transport.Message) {
		if msg.Type != protocol.TypeResponse {
			return
		}
		var resp protocol.ResponseEnvelope
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			p.log.Debugw("ignoring undecodable response", "error", err)
			return
		}
		if resp.RequestID != id {
			return
		}
		p.HandleResponse(resp)
	}
}

func (p *Provider) expire(id string) {
	if p.settle(id, nil, protocol.TimeoutError()) {
		p.log.Warnw("request timed out", "requestId", id, "timeout", p.timeout)
	}
}

// settle removes id from the table, detaches its listener and timer, and
// completes the call. Only the first settle for an id has any effect.
func (p *Provider) settle(id string, result json.RawMessage, err error) bool {
	p.mu.Lock()
	call, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.pending, id)
	sub, timer := call.sub, call.timer
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	var changed []string
	if err == nil {
		changed = p.trackAccounts(call.Request.Method, result)
	}
	if !call.finish(result, err) {
		return false
	}
	if changed != nil {
		raw, _ := json.Marshal(changed)
		p.async.enqueue(Event{Name: protocol.EventAccountsChanged, Data: raw})
	}
	return true
}

// trackAccounts records accounts returned by an account method and returns
// them when they differ from what the page saw before.
func (p *Provider) trackAccounts(method string, result json.RawMessage) []string {
	if method != protocol.MethodRequestAccounts && method != protocol.MethodAccounts {
		return nil
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil || accounts == nil {
		return nil
	}
	if !p.setAccounts(accounts) {
		return nil
	}
	return accounts
}

func (p *Provider) setAccounts(accounts []string) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if reflect.DeepEqual(p.accounts, accounts) {
		return false
	}
	p.accounts = append([]string(nil), accounts...)
	return true
}

func (p *Provider) onEventMessage(msg transport.Message) {
	if msg.Type != protocol.TypeEvent {
		return
	}
	ev, err := transport.Decode[protocol.ProviderEvent](msg, protocol.TypeEvent)
	if err != nil {
		p.log.Debugw("ignoring invalid provider event", "error", err)
		return
	}
	switch ev.Event {
	case protocol.EventConnect:
		var info protocol.ConnectInfo
		if err := json.Unmarshal(ev.Data, &info); err == nil {
			p.stateMu.Lock()
			p.chainID = info.ChainID
			p.providerURL = info.ProviderURL
			p.stateMu.Unlock()
		}
	case protocol.EventChainChanged:
		var chainID string
		if err := json.Unmarshal(ev.Data, &chainID); err == nil {
			p.stateMu.Lock()
			p.chainID = chainID
			p.stateMu.Unlock()
		}
	case protocol.EventAccountsChanged:
		var accounts []string
		if err := json.Unmarshal(ev.Data, &accounts); err == nil {
			p.setAccounts(accounts)
		}
	case protocol.EventDisconnect:
		p.setAccounts(nil)
	}
	p.async.enqueue(Event{Name: ev.Event, Data: ev.Data})
}

// toRequest is the page-side validation gate.
func toRequest(req any) (protocol.EthereumRequest, error) {
	switch v := req.(type) {
	case protocol.EthereumRequest:
		if v.Method == "" {
			return v, protocol.WrongShapeError("missing method")
		}
		return v, nil
	case *protocol.EthereumRequest:
		if v == nil || v.Method == "" {
			return protocol.EthereumRequest{}, protocol.WrongShapeError("missing method")
		}
		return *v, nil
	case json.RawMessage:
		return protocol.ParseRequest(v)
	case []byte:
		return protocol.ParseRequest(v)
	case string:
		return protocol.EthereumRequest{}, protocol.WrongShapeError("expected a request object, got a bare string")
	case nil:
		return protocol.EthereumRequest{}, protocol.WrongShapeError("expected a request object")
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return protocol.EthereumRequest{}, protocol.InvalidRequestError(fmt.Sprintf("cannot encode request: %v", err))
	}
	return protocol.ParseRequest(raw)
}

func isParamsArray(v any) bool {
	if v == nil {
		return true
	}
	if raw, ok := v.(json.RawMessage); ok {
		var arr []json.RawMessage
		return json.Unmarshal(raw, &arr) == nil
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

func asCallback(v any) (Callback, bool) {
	switch cb := v.(type) {
	case Callback:
		return cb, cb != nil
	case func(error, *JSONRPCResponse):
		return cb, cb != nil
	}
	return nil, false
}
