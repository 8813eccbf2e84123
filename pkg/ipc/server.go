package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/rexliu/dappbridge/pkg/core"
)

// HandlerFunc processes RPC params and returns a result or structured error.
// Handlers run concurrently; ConnFromContext gives access to the caller.
type HandlerFunc func(context.Context, json.RawMessage) (any, *Error)

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency cycles.
type Logger interface {
	Printf(format string, v ...any)
}

// ErrConnClosed is returned when pushing to a closed connection.
var ErrConnClosed = errors.New("ipc: connection closed")

// Server listens for IPC requests over Unix sockets.
type Server struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    map[*Conn]struct{}
	closed   bool
	logger   Logger
	wg       sync.WaitGroup
}

// NewServer constructs an IPC server.
func NewServer(logger Logger) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*Conn]struct{}),
		logger:   logger,
	}
}

// Register installs a handler for a method.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start begins accepting connections on endpoint.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("nil server")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logf("accept error: %v", err)
			continue
		}
		c := newConn(ctx, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.close()
			return
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(c *Conn) {
	defer s.wg.Done()
	var inflight sync.WaitGroup
	defer func() {
		c.close()
		inflight.Wait()
		c.runCleanups()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	for {
		payload, err := readFrame(c.nc)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				s.writeError(c, "", CodeInvalidRequest, err.Error(), nil)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.writeError(c, req.ID, CodeInvalidRequest, "invalid json", nil)
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.dispatch(c, req)
		}()
	}
}

func (s *Server) dispatch(c *Conn, req Request) {
	traceID := core.NewTraceID()
	handler := s.lookupHandler(req.Type)
	if handler == nil {
		s.writeError(c, req.ID, CodeInvalidRequest, "unknown method", map[string]any{"method": req.Type, "traceId": traceID})
		return
	}
	resp := Response{ID: req.ID, TraceID: traceID}
	result, rpcErr := s.invoke(c, handler, req)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			s.writeError(c, req.ID, CodeInternal, err.Error(), map[string]any{"traceId": traceID})
			return
		}
		resp.OK = true
		resp.Result = raw
	}
	if err := c.write(resp); err != nil && !errors.Is(err, ErrConnClosed) {
		s.logf("write response %s: %v", req.Type, err)
	}
}

func (s *Server) invoke(c *Conn, handler HandlerFunc, req Request) (result any, rpcErr *Error) {
	defer func() {
		if v := recover(); v != nil {
			s.logf("handler %s panicked: %v", req.Type, v)
			result, rpcErr = nil, Errorf(CodeInternal, "internal error", nil)
		}
	}()
	return handler(withConn(c.ctx, c), req.Params)
}

func (s *Server) lookupHandler(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

func (s *Server) writeError(c *Conn, id, code, msg string, details map[string]any) {
	resp := Response{ID: id, TraceID: core.NewTraceID()}
	resp.Error = &Error{Code: code, Message: msg, Details: details}
	_ = c.write(resp)
}

// Stop shuts down the listener and every open connection, then waits for
// in-flight handlers.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}

// Errorf helps build protocol errors.
func Errorf(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Conn is one client connection. Its context ends when the client goes away.
type Conn struct {
	nc     net.Conn
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu       sync.Mutex
	closed   bool
	cleaned  bool
	cleanups []func()
}

func newConn(parent context.Context, nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{nc: nc, id: core.NewTraceID(), ctx: ctx, cancel: cancel}
}

// ID identifies the connection for the lifetime of the server.
func (c *Conn) ID() string { return c.id }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Push sends an unsolicited frame under topic.
func (c *Conn) Push(topic string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(Response{OK: true, Push: &Push{Topic: topic, Data: raw}})
}

// OnClose registers fn to run after the connection closes and its handlers
// have returned. Once cleanup has run, fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		fn()
		return
	}
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

func (c *Conn) write(resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return ErrConnClosed
	}
	return writeFrame(c.nc, payload)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.nc.Close()
}

func (c *Conn) runCleanups() {
	c.mu.Lock()
	fns := c.cleanups
	c.cleanups = nil
	c.cleaned = true
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

type connKey struct{}

func withConn(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// ConnFromContext returns the connection a handler is serving, if any.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}
