package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mzyy94/scanrelay/internal/wire"
)

// Client-side failures.
var (
	ErrClientBusy   = errors.New("busy: a request is already pending")
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("remote scan timed out")
)

// RemoteError is a failure the peer reported in an error frame,
// distinct from local connectivity failures.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "remote: " + e.Msg }

type outcome struct {
	res *wire.ScanResult
	err error
}

// ClientOptions configures a transport client connection.
type ClientOptions struct {
	Timeout   time.Duration // per-request deadline, default 180s
	OnStatus  func(string)  // invoked for informational status frames
	ReadChunk int           // per-read buffer size, default 64KiB
}

// Client holds one connection to a scan peer. At most one scan request
// is outstanding at a time; the response is correlated through a
// single pending-request slot. A connection failure resolves any
// pending request with ErrNotConnected so a caller is never left
// waiting indefinitely.
type Client struct {
	conn net.Conn
	opts ClientOptions

	writeMu sync.Mutex

	mu      sync.Mutex
	pending chan outcome // nil when no request is in flight
	closed  bool

	done chan struct{}
}

// Dial connects to a peer at addr (host:port), sends the hello
// handshake, and starts the receive loop.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.ReadChunk == 0 {
		opts.ReadChunk = 64 * 1024
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{conn: conn, opts: opts, done: make(chan struct{})}
	if err := c.send(wire.Hello()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	go c.readLoop()
	slog.Info("connected to scan peer", "addr", addr)
	return c, nil
}

// Close tears down the connection. A pending request resolves with
// ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// Scan submits one scan request and waits for the terminal frame. Only
// one request may be outstanding; a second concurrent call fails
// locally with ErrClientBusy. Exceeding the configured timeout fails
// the request with ErrTimeout but leaves the connection open for
// subsequent requests.
func (c *Client) Scan(ctx context.Context, req wire.ScanRequest) (*wire.ScanResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrClientBusy
	}
	p := make(chan outcome, 1)
	c.pending = p
	c.mu.Unlock()

	if err := c.send(wire.NewScanRequest(req)); err != nil {
		c.release(p)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case out := <-p:
		return out.res, out.err
	case <-timer.C:
		if c.release(p) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.opts.Timeout)
		}
		// Lost the race: a terminal frame arrived while the timer fired.
		out := <-p
		return out.res, out.err
	case <-ctx.Done():
		if c.release(p) {
			return nil, ctx.Err()
		}
		out := <-p
		return out.res, out.err
	}
}

// release frees the pending slot if p still owns it. Returns false if
// a resolver already claimed the slot.
func (c *Client) release(p chan outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != p {
		return false
	}
	c.pending = nil
	return true
}

func (c *Client) readLoop() {
	defer close(c.done)
	var dec wire.Decoder
	buf := make([]byte, c.opts.ReadChunk)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.fail()
			return
		}
		for _, m := range dec.Decode(buf[:n]) {
			c.handle(m)
		}
	}
}

func (c *Client) handle(m wire.Message) {
	switch m.Type {
	case wire.TypeHello:
		slog.Debug("peer hello received")
	case wire.TypeStatus:
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(m.Status.Message)
		} else {
			slog.Info("peer status", "message", m.Status.Message)
		}
	case wire.TypeScanResult:
		c.resolve(outcome{res: m.ScanResult})
	case wire.TypeError:
		c.resolve(outcome{err: &RemoteError{Msg: m.Error.Message}})
	default:
		slog.Debug("ignoring frame", "type", m.Type)
	}
}

// resolve delivers a terminal frame to the waiting caller, if any.
func (c *Client) resolve(out outcome) {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p == nil {
		slog.Debug("terminal frame with no pending request")
		return
	}
	p <- out
}

// fail marks the connection dead and resolves any pending request so
// its caller is never left waiting.
func (c *Client) fail() {
	c.mu.Lock()
	c.closed = true
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p != nil {
		p <- outcome{err: ErrNotConnected}
	}
	slog.Info("connection to scan peer closed")
}

func (c *Client) send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}
