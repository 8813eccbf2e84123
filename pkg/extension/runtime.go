// Package extension models the browser's privileged messaging layer: one
// port per connected tab, sender tab info attached by the runtime rather
// than by the page, and routing of background replies back to a tab.
package extension

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/transport"
)

var (
	// ErrTabClosed is returned when the target tab has no live port.
	ErrTabClosed = errors.New("extension: tab closed")
	// ErrPortClosed is returned by Send on a closed port.
	ErrPortClosed = errors.New("extension: port closed")
	// ErrNoHandler is returned when nothing listens on the background side.
	ErrNoHandler = errors.New("extension: no message handler")
)

// Handler runs in the background context for every message a tab sends.
type Handler func(ctx context.Context, msg transport.Message, tab core.SenderTabInfo)

// Logger is the subset of the zap sugared logger the runtime uses.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

// Runtime routes messages between tab ports and the background handler.
type Runtime struct {
	log    Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	handler Handler
	timeout time.Duration
	tabs    map[int]*Port
}

// NewRuntime returns a runtime with no tabs. A nil logger discards output.
func NewRuntime(logger Logger) *Runtime {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{log: logger, ctx: ctx, cancel: cancel, tabs: make(map[int]*Port)}
}

// SetHandlerTimeout bounds the context each handler invocation receives.
// Zero means handlers only end with the runtime.
func (rt *Runtime) SetHandlerTimeout(d time.Duration) {
	rt.mu.Lock()
	rt.timeout = d
	rt.mu.Unlock()
}

// OnMessage installs the background handler.
func (rt *Runtime) OnMessage(h Handler) {
	rt.mu.Lock()
	rt.handler = h
	rt.mu.Unlock()
}

// Connect opens a port for tab. A tab that reconnects (navigation) replaces
// its previous port, which is closed.
func (rt *Runtime) Connect(tab core.SenderTabInfo) *Port {
	p := &Port{rt: rt, tab: tab, inbox: transport.NewWindow()}
	rt.mu.Lock()
	old := rt.tabs[tab.ID]
	rt.tabs[tab.ID] = p
	rt.mu.Unlock()
	if old != nil {
		old.markClosed()
	}
	return p
}

// SendToTab delivers msg to the tab's port.
func (rt *Runtime) SendToTab(tabID int, msg transport.Message) error {
	rt.mu.RLock()
	p := rt.tabs[tabID]
	rt.mu.RUnlock()
	if p == nil {
		return ErrTabClosed
	}
	return p.deliver(msg)
}

// Broadcast delivers msg to every tab whose page is on origin and returns
// the number of tabs reached.
func (rt *Runtime) Broadcast(origin string, msg transport.Message) int {
	rt.mu.RLock()
	targets := make([]*Port, 0, len(rt.tabs))
	for _, p := range rt.tabs {
		if p.tab.Origin() == origin {
			targets = append(targets, p)
		}
	}
	rt.mu.RUnlock()
	n := 0
	for _, p := range targets {
		if p.deliver(msg) == nil {
			n++
		}
	}
	return n
}

// Tabs lists connected tabs.
func (rt *Runtime) Tabs() []core.SenderTabInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]core.SenderTabInfo, 0, len(rt.tabs))
	for _, p := range rt.tabs {
		out = append(out, p.tab)
	}
	return out
}

// Close cancels in-flight handlers, waits for them and closes every port.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	rt.cancel()
	rt.mu.Unlock()
	rt.wg.Wait()

	rt.mu.Lock()
	ports := rt.tabs
	rt.tabs = make(map[int]*Port)
	rt.mu.Unlock()
	for _, p := range ports {
		p.markClosed()
	}
}

// Wait blocks until every dispatched handler has returned.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

func (rt *Runtime) dispatch(tab core.SenderTabInfo, msg transport.Message) error {
	rt.mu.RLock()
	h := rt.handler
	if h == nil {
		rt.mu.RUnlock()
		return ErrNoHandler
	}
	if rt.ctx.Err() != nil {
		rt.mu.RUnlock()
		return ErrPortClosed
	}
	timeout := rt.timeout
	rt.wg.Add(1)
	rt.mu.RUnlock()
	go func() {
		defer rt.wg.Done()
		ctx := rt.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		defer func() {
			if v := recover(); v != nil {
				rt.log.Warnw("background handler panicked", "tabId", tab.ID, "type", msg.Type, "panic", v)
			}
		}()
		h(ctx, msg, tab)
	}()
	return nil
}

func (rt *Runtime) detach(p *Port) {
	rt.mu.Lock()
	if rt.tabs[p.tab.ID] == p {
		delete(rt.tabs, p.tab.ID)
	}
	rt.mu.Unlock()
}

// Port is the tab end of a runtime connection.
type Port struct {
	rt    *Runtime
	tab   core.SenderTabInfo
	inbox *transport.Window

	mu     sync.Mutex
	closed bool
}

// Tab returns the sender info the runtime attaches to this port's messages.
func (p *Port) Tab() core.SenderTabInfo {
	return p.tab
}

// Send passes msg to the background handler.
func (p *Port) Send(msg transport.Message) error {
	if p.isClosed() {
		return ErrPortClosed
	}
	return p.rt.dispatch(p.tab, msg)
}

// Subscribe registers l for messages the background sends to this tab.
func (p *Port) Subscribe(l transport.Listener) transport.Subscription {
	return p.inbox.Subscribe(l)
}

// Close disconnects the tab.
func (p *Port) Close() {
	p.markClosed()
	p.rt.detach(p)
}

func (p *Port) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) deliver(msg transport.Message) error {
	if p.isClosed() {
		return ErrTabClosed
	}
	return p.inbox.Post(msg)
}
