// Package transport provides the websocket connection wrapper and the
// process-wide circuit breaker guarding voice session starts.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultDialTimeout = 15 * time.Second

// ErrConnClosed is returned for writes after Close.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn wraps a websocket client connection. Writes are serialized behind a
// mutex; a single ReadLoop owns reads. Close is idempotent and sends a close
// frame before tearing the socket down.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to rawURL. The context bounds the handshake; without a
// deadline a 15s default applies.
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return &Conn{
		ws:   ws,
		done: make(chan struct{}),
	}, nil
}

// WriteJSON sends one frame. Concurrent callers are serialized.
func (c *Conn) WriteJSON(v any) error {
	if c == nil || c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// ReadLoop reads frames until the connection fails or closes, invoking fn for
// each. It closes Done on exit; the terminating error is available via Err.
// Callers run it on its own goroutine.
func (c *Conn) ReadLoop(fn func(data []byte)) {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if fn != nil {
			fn(data)
		}
	}
}

// Close sends a close frame and tears down the socket. Safe to call more than
// once and from any goroutine.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
	return nil
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read loop's terminating error, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Closed reports whether Close was called locally.
func (c *Conn) Closed() bool {
	return c != nil && c.closed.Load()
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// CloseStatus extracts the close code and reason from a read error. Code 0
// means err was not a websocket close.
func CloseStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return 0, ""
}

// CleanClose reports whether a close code represents a clean shutdown:
// 1000 (normal closure) or 1005 (no status received).
func CleanClose(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseNoStatusReceived
}
