package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/screenager/driftmind/internal/errs"
)

// Client layers request/response correlation and push-message dispatch on
// top of a raw Conn. A lost correlation (channel closed mid-flight) yields
// a rejected future to the caller, per spec.md §7's IpcError semantics;
// the caller is expected to trigger a respawn.
type Client struct {
	conn *Conn

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool

	onPush func(Envelope)
}

// NewClient starts a Client's background read loop over conn. onPush, if
// non-nil, receives every envelope whose Type is a push (no matching
// pending request) — e.g. startup:stage / startup:error messages.
func NewClient(conn *Conn, onPush func(Envelope)) *Client {
	c := &Client{conn: conn, pending: make(map[string]chan Envelope), onPush: onPush}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		env, err := c.conn.Recv()
		if err != nil {
			c.rejectAll()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- env
			continue
		}
		if c.onPush != nil {
			c.onPush(env)
		}
	}
}

func (c *Client) rejectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Request sends typ/payload and blocks for the matching response, or
// until ctx is done. A closed channel mid-flight surfaces as an IpcError.
func (c *Client) Request(ctx context.Context, typ string, payload any) (Envelope, error) {
	id := NewCorrelationID()
	env, err := Encode(id, typ, payload)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.KindIPC, "encode request", err)
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Envelope{}, errs.New(errs.KindIPC, "connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Envelope{}, errs.Wrap(errs.KindIPC, "send request", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Envelope{}, errs.New(errs.KindIPC, "correlation lost: channel closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Envelope{}, errs.Wrap(errs.KindTimeout, "request "+typ, ctx.Err())
	}
}

// RequestWithTimeout is a convenience wrapper around Request.
func (c *Client) RequestWithTimeout(typ string, payload any, timeout time.Duration) (Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Request(ctx, typ, payload)
}

// Push sends a fire-and-forget message with no correlation id, used for
// the stage/error push channel.
func (c *Client) Push(typ string, payload any) error {
	env, err := Encode("", typ, payload)
	if err != nil {
		return errs.Wrap(errs.KindIPC, "encode push", err)
	}
	return c.conn.Send(env)
}
