package netres

import (
	"errors"
	"sync"
	"testing"

	"github.com/voxwire/voxwire/internal/event"
)

// fakeTransport extends fakeSender with liveness for Manager tests.
type fakeTransport struct {
	fakeSender
	mu   sync.Mutex
	open bool
}

func (tr *fakeTransport) Open() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.open
}

func (tr *fakeTransport) setOpen(open bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.open = open
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *fakeTransport) {
	t.Helper()
	fan := event.NewFanout()
	t.Cleanup(fan.Close)
	tr := &fakeTransport{open: true}
	m := NewManager(tr, nil, fan, opts...)
	t.Cleanup(m.Backpressure().Destroy)
	return m, tr
}

func TestManagerReadinessLayers(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t,
		WithBreaker(NewBreaker(WithFailureThreshold(1))),
		WithBackpressureOptions(WithWatermarks(100, 200, 400)))

	if r := m.IsReady(); !r.Ready {
		t.Fatalf("healthy stack must be ready, got %+v", r)
	}

	// Layer 1: transport down masks everything else.
	tr.setOpen(false)
	if r := m.IsReady(); r.Ready || r.Layer != "transport" {
		t.Fatalf("want transport layer failure, got %+v", r)
	}
	tr.setOpen(true)

	// Layer 2: an open circuit.
	tr.sendErr = errors.New("refused")
	m.Breaker().Execute(func() error { return tr.Send(nil) })
	if r := m.IsReady(); r.Ready || r.Layer != "breaker" {
		t.Fatalf("want breaker layer failure, got %+v", r)
	}
	m.Breaker().ForceClose(tr.Open)
	tr.sendErr = nil

	// Layer 3: a saturated outbound buffer (≥ 90% of the 400-byte cap).
	tr.setBuffered(390)
	if r := m.IsReady(); r.Ready || r.Layer != "backpressure" {
		t.Fatalf("want backpressure layer failure, got %+v", r)
	}
	tr.setBuffered(0)
	if r := m.IsReady(); !r.Ready {
		t.Fatalf("recovered stack must be ready, got %+v", r)
	}
}

func TestManagerSendThroughBreaker(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, WithBreaker(NewBreaker(WithFailureThreshold(1))))

	m.Send([]byte("hello"), PriorityHigh)
	if tr.sentCount() != 1 {
		t.Fatalf("want wire send through the stack, got %d", tr.sentCount())
	}

	// Trip the breaker; subsequent sends must not reach the transport.
	tr.sendErr = errors.New("refused")
	m.Breaker().Execute(func() error { return errors.New("boom") })
	tr.sendErr = nil

	m.Send([]byte("blocked"), PriorityHigh)
	if tr.sentCount() != 1 {
		t.Fatalf("open circuit must block wire sends, got %d", tr.sentCount())
	}
}

func TestManagerDisconnectReconnect(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t,
		WithBreaker(NewBreaker(WithFailureThreshold(1))),
		WithBackpressureOptions(WithWatermarks(100, 200, 400)))

	// Queue audio under pressure, then lose the network.
	tr.setBuffered(300)
	m.Backpressure().CheckBackpressure()
	m.Send([]byte("stale"), PriorityNormal)

	m.Breaker().Execute(func() error { return errors.New("gone") })
	tr.setOpen(false)
	m.OnDisconnect()

	if got := m.Backpressure().Metrics().QueueLen; got != 0 {
		t.Fatalf("disconnect must clear the queue, got %d", got)
	}

	tr.setOpen(true)
	m.OnReconnect()
	if m.Breaker().State() != BreakerClosed {
		t.Fatalf("reconnect to a healthy transport must close the breaker, got %v", m.Breaker().State())
	}
}
