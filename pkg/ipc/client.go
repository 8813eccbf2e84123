package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rexliu/dappbridge/pkg/core"
)

// ErrClientClosed is returned by Call once the connection is gone.
var ErrClientClosed = errors.New("ipc: client closed")

// Client is a multiplexed connection to the daemon. Calls may be issued
// concurrently; responses are matched by request id.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	pushes  []func(Push)
	err     error
	done    chan struct{}
}

// Dial connects to the daemon socket at endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnPush registers fn for push frames. fn runs on the read goroutine and
// must not block.
func (c *Client) OnPush(fn func(Push)) {
	c.mu.Lock()
	c.pushes = append(c.pushes, fn)
	c.mu.Unlock()
}

// Call sends method with params and decodes the result into out, which may
// be nil. A daemon-side failure is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}
	req := Request{ID: core.NewTraceID(), Type: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	err = writeFrame(c.conn, payload)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection. Pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	var readErr error
	defer func() {
		c.mu.Lock()
		if readErr == nil || errors.Is(readErr, net.ErrClosed) {
			c.err = ErrClientClosed
		} else {
			c.err = fmt.Errorf("%w: %v", ErrClientClosed, readErr)
		}
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			readErr = err
			return
		}
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.Push != nil {
			c.mu.Lock()
			fns := append([]func(Push){}, c.pushes...)
			c.mu.Unlock()
			for _, fn := range fns {
				fn(*resp.Push)
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
