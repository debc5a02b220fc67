package netres

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/event"
)

// Transport is the outbound surface the resilience layer protects: a raw
// send, introspection of the send buffer, and liveness.
type Transport interface {
	Sender
	Open() bool
}

const (
	// backpressureInterval is how often the send buffer is sampled.
	backpressureInterval = 100 * time.Millisecond

	// saturationRatio of the max watermark at which readiness degrades.
	saturationRatio = 0.9
)

// Readiness is the result of a layered readiness check. When not ready,
// Layer names the first layer that failed and Reason says why.
type Readiness struct {
	Ready  bool
	Layer  string
	Reason string
}

// ManagerOption is a functional option for [NewManager].
type ManagerOption func(*Manager)

// WithBreaker substitutes a preconfigured circuit breaker.
func WithBreaker(b *Breaker) ManagerOption {
	return func(m *Manager) { m.breaker = b }
}

// WithQualityMonitor substitutes a preconfigured quality monitor.
func WithQualityMonitor(q *QualityMonitor) ManagerOption {
	return func(m *Manager) { m.quality = q }
}

// WithBackpressureOptions forwards options to the embedded backpressure
// manager.
func WithBackpressureOptions(opts ...BackpressureOption) ManagerOption {
	return func(m *Manager) { m.bpOpts = opts }
}

// Manager composes the backpressure manager, circuit breaker, and quality
// monitor into the single resilience surface the session consumes. Every
// wire send flows through the breaker, so transport failures anywhere in
// the send path accumulate toward tripping it.
type Manager struct {
	transport Transport
	events    *event.Fanout

	breaker *Breaker
	bp      *Backpressure
	bpOpts  []BackpressureOption
	quality *QualityMonitor
}

// breakerSender routes raw sends through the circuit breaker so the
// backpressure manager's retries respect an open circuit.
type breakerSender struct {
	transport Transport
	breaker   *Breaker
}

func (s breakerSender) Send(data []byte) error {
	return s.breaker.Execute(func() error {
		return s.transport.Send(data)
	})
}

func (s breakerSender) Buffered() int { return s.transport.Buffered() }

// NewManager wires the resilience stack around transport. probe measures
// one round-trip for the quality monitor.
func NewManager(transport Transport, probe ProbeFunc, events *event.Fanout, opts ...ManagerOption) *Manager {
	m := &Manager{
		transport: transport,
		events:    events,
	}
	for _, o := range opts {
		o(m)
	}
	if m.breaker == nil {
		m.breaker = NewBreaker()
	}
	if m.quality == nil {
		m.quality = NewQualityMonitor(probe, events)
	}
	m.bp = NewBackpressure(breakerSender{transport: transport, breaker: m.breaker}, events, m.bpOpts...)
	return m
}

// Run drives the periodic work: backpressure sampling and quality probes.
// It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.quality.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(backpressureInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				m.bp.CheckBackpressure()
			}
		}
	})

	err := g.Wait()
	m.bp.Destroy()
	return err
}

// Send transmits data through the resilience stack. High-priority control
// traffic bypasses the backpressure queue; audio queues under pressure.
// The return value reports whether the message went out immediately.
func (m *Manager) Send(data []byte, prio Priority) bool {
	return m.bp.Send(data, prio)
}

// IsReady checks the layers in order and reports the first failure:
// transport liveness, then circuit state, then outbound buffer headroom.
func (m *Manager) IsReady() Readiness {
	if !m.transport.Open() {
		return Readiness{Layer: "transport", Reason: "transport closed"}
	}
	if m.breaker.State() == BreakerOpen {
		return Readiness{Layer: "breaker", Reason: "circuit open"}
	}
	limit := int(float64(m.bp.max) * saturationRatio)
	if buffered := m.transport.Buffered(); buffered >= limit {
		return Readiness{Layer: "backpressure", Reason: "outbound buffer saturated"}
	}
	return Readiness{Ready: true}
}

// OnDisconnect reacts to the transport dropping: queued audio is stale on
// reconnect, so it is discarded, and quality probing pauses.
func (m *Manager) OnDisconnect() {
	slog.Warn("transport disconnected, clearing outbound queue")
	m.bp.Clear()
	m.quality.SetOffline(true)
}

// OnReconnect resumes after the transport comes back. The breaker is
// force-closed only when the transport verifies healthy right now;
// otherwise it recovers through its own half-open trial.
func (m *Manager) OnReconnect() {
	m.quality.SetOffline(false)
	closed := m.breaker.ForceClose(m.transport.Open)
	slog.Info("transport reconnected", "breaker_closed", closed)
}

// Quality exposes the quality monitor for settings recommendations.
func (m *Manager) Quality() *QualityMonitor { return m.quality }

// Breaker exposes the circuit breaker for health reporting.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// Backpressure exposes the backpressure manager for health reporting.
func (m *Manager) Backpressure() *Backpressure { return m.bp }
