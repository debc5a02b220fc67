package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Compile-time assertion that the WebSocket channel satisfies the
// interface.
var _ DuplexChannel = (*WSChannel)(nil)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// outboundDepth bounds the writer queue. A full queue rejects the
	// send; the resilience layer above decides what to do with it.
	outboundDepth = 256
)

type frame struct {
	kind websocket.MessageType
	data []byte
}

// WSOption is a functional option for [Dial].
type WSOption func(*WSChannel)

// WithKeepalive overrides the ping interval. Zero disables keepalives.
func WithKeepalive(d time.Duration) WSOption {
	return func(c *WSChannel) { c.keepalive = d }
}

// WSChannel is the WebSocket implementation of [DuplexChannel]. A writer
// goroutine owns the connection's send side so Buffered can report the
// queued outbound byte count accurately.
type WSChannel struct {
	conn      *websocket.Conn
	keepalive time.Duration

	outbound chan frame
	buffered atomic.Int64

	mu        sync.Mutex
	onBinary  func([]byte)
	onControl func(ControlMessage)
	onClose   func(error)
	errVal    error
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to a WebSocket endpoint and starts the channel's read,
// write, and keepalive loops. Register handlers before traffic is
// expected.
func Dial(ctx context.Context, url string, opts ...WSOption) (*WSChannel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return newWSChannel(conn, opts...), nil
}

// Accept wraps an already established server-side connection.
func Accept(conn *websocket.Conn, opts ...WSOption) *WSChannel {
	return newWSChannel(conn, opts...)
}

func newWSChannel(conn *websocket.Conn, opts ...WSOption) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		conn:      conn,
		keepalive: keepaliveInterval,
		outbound:  make(chan frame, outboundDepth),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(c)
	}

	go c.readLoop()
	go c.writeLoop()
	if c.keepalive > 0 {
		go c.keepaliveLoop()
	}
	return c
}

// Send queues one binary audio frame.
func (c *WSChannel) Send(data []byte) error {
	return c.enqueue(frame{kind: websocket.MessageBinary, data: data})
}

// SendControl encodes and queues one control message as a text frame.
func (c *WSChannel) SendControl(msg ControlMessage) error {
	data, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame{kind: websocket.MessageText, data: data})
}

func (c *WSChannel) enqueue(f frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport: channel closed")
	}
	c.mu.Unlock()

	select {
	case c.outbound <- f:
		c.buffered.Add(int64(len(f.data)))
		return nil
	default:
		return fmt.Errorf("transport: send queue full")
	}
}

// OnBinary registers the handler for incoming audio frames.
func (c *WSChannel) OnBinary(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBinary = fn
}

// OnControl registers the handler for incoming control messages.
func (c *WSChannel) OnControl(fn func(ControlMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControl = fn
}

// OnClose registers the handler invoked once when the channel dies. If
// the channel is already dead the handler fires immediately.
func (c *WSChannel) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.errVal
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

// Ping sends a WebSocket ping and waits for the pong. The keepalive loop
// and the quality monitor both use it as their round-trip measurement.
func (c *WSChannel) Ping(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport: channel closed")
	}
	c.mu.Unlock()
	return c.conn.Ping(ctx)
}

// Open reports whether the channel can still accept sends.
func (c *WSChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Buffered returns the outbound bytes accepted but not yet written.
func (c *WSChannel) Buffered() int {
	return int(c.buffered.Load())
}

// Close tears the channel down. Safe to call more than once.
func (c *WSChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown marks the channel closed, closes the socket, and fires the
// close handler exactly once.
func (c *WSChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.errVal == nil {
			c.errVal = err
		}
		handler := c.onClose
		c.mu.Unlock()

		c.cancel()
		if err != nil {
			c.conn.Close(websocket.StatusInternalError, "transport failure")
		} else {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if handler != nil {
			handler(err)
		}
	})
}

// Err returns the error that terminated the channel, if any.
func (c *WSChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// readLoop dispatches incoming frames until the connection dies.
func (c *WSChannel) readLoop() {
	for {
		kind, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.shutdown(nil)
				return
			}
			c.shutdown(fmt.Errorf("transport: read: %w", err))
			return
		}

		switch kind {
		case websocket.MessageBinary:
			c.mu.Lock()
			handler := c.onBinary
			c.mu.Unlock()
			if handler != nil {
				handler(data)
			}
		case websocket.MessageText:
			msg, err := DecodeControl(data)
			if err != nil {
				slog.Warn("skipping malformed control frame", "err", err)
				continue
			}
			c.mu.Lock()
			handler := c.onControl
			c.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// writeLoop owns the connection's send side.
func (c *WSChannel) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.outbound:
			err := c.conn.Write(c.ctx, f.kind, f.data)
			c.buffered.Add(-int64(len(f.data)))
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.shutdown(fmt.Errorf("transport: write: %w", err))
				return
			}
		}
	}
}

// keepaliveLoop pings the peer to keep intermediaries from idling the
// connection out.
func (c *WSChannel) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.Ping(pingCtx)
			cancel()
		}
	}
}
