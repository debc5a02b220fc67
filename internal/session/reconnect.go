package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/transport"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector monitors the duplex channel and automatically redials on
// disconnection.
//
// Callers obtain the initial channel via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a drop is signalled via
// [Reconnector.NotifyDisconnect], the monitor redials with exponential
// backoff and invokes the configured OnReconnect callback on success.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	url         string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(transport.DuplexChannel)

	dial func(ctx context.Context, url string) (transport.DuplexChannel, error)

	mu           sync.Mutex
	channel      transport.DuplexChannel
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// URL is the WebSocket endpoint to dial.
	URL string

	// MaxRetries is the maximum number of redial attempts before giving
	// up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful redial with the new
	// channel. May be nil.
	OnReconnect func(transport.DuplexChannel)

	// Dial overrides the dial function. Defaults to [transport.Dial].
	Dial func(ctx context.Context, url string) (transport.DuplexChannel, error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (transport.DuplexChannel, error) {
			return transport.Dial(ctx, url)
		}
	}
	return &Reconnector{
		url:          cfg.URL,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		dial:         dial,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial dial.
func (r *Reconnector) Connect(ctx context.Context) (transport.DuplexChannel, error) {
	ch, err := r.dial(ctx, r.url)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}

	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()

	return ch, nil
}

// Monitor starts monitoring the channel in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the channel has been lost and
// a redial should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current channel. Safe to call
// multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	ch := r.channel
	r.channel = nil
	r.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Channel returns the current active channel. May return nil during
// reconnection.
func (r *Reconnector) Channel() transport.DuplexChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// monitorLoop waits for disconnect notifications and attempts redials.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect redials with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting reconnection",
			"url", r.url,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		ch, err := r.dial(ctx, r.url)
		if err == nil {
			r.mu.Lock()
			oldChannel := r.channel
			r.channel = ch
			r.mu.Unlock()

			// Close the old (failed) channel to release its resources.
			if oldChannel != nil {
				_ = oldChannel.Close()
			}

			slog.Info("reconnection successful", "url", r.url, "attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect(ch)
			}
			return
		}

		slog.Warn("reconnection attempt failed",
			"url", r.url,
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max retries",
		"url", r.url,
		"max_retries", r.maxRetries,
	)
}
