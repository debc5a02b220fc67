package jitter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/event"
	"github.com/voxwire/voxwire/pkg/audio"
)

// fakeSink records scheduled plays and fires completion callbacks from a
// separate goroutine, mirroring the real sink contract.
type fakeSink struct {
	mu      sync.Mutex
	plays   []fakePlay
	pending []func()
	stopped bool
}

type fakePlay struct {
	data  []byte
	start time.Time
}

func (s *fakeSink) Play(data []byte, start time.Time, done func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = append(s.plays, fakePlay{data: data, start: start})
	s.pending = append(s.pending, done)
	return nil
}

func (s *fakeSink) Stop() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.stopped = true
	s.mu.Unlock()
	for _, done := range pending {
		done()
	}
}

func (s *fakeSink) Format() audio.Format { return audio.PlaybackFormat }
func (s *fakeSink) Close() error         { return nil }

// finishOne fires the oldest pending completion callback on a fresh
// goroutine and waits for it to return.
func (s *fakeSink) finishOne(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		t.Fatal("no pending playback to finish")
	}
	done := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		done()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("completion callback did not return")
	}
}

func (s *fakeSink) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plays)
}

// failNDecoder fails the first n Decode calls, then passes data through.
type failNDecoder struct {
	n     int
	calls int
}

func (d *failNDecoder) Decode(data []byte) ([]byte, error) {
	d.calls++
	if d.calls <= d.n {
		return nil, errors.New("bad frame")
	}
	return data, nil
}

func newTestScheduler(t *testing.T, dec Decoder) (*Scheduler, *Buffer, *fakeSink, <-chan event.Event) {
	t.Helper()
	fan := event.NewFanout()
	t.Cleanup(fan.Close)
	events := fan.Subscribe()
	buf := NewBuffer(fan, WithMinFill(1))
	sink := &fakeSink{}
	return NewScheduler(buf, sink, dec, fan), buf, sink, events
}

func TestSchedulerContinuousTimeline(t *testing.T) {
	t.Parallel()

	s, buf, sink, _ := newTestScheduler(t, nil)

	for i := 1; i <= 3; i++ {
		buf.Enqueue(chunk("t1", uint64(i)))
	}
	s.Tick()
	if got := sink.playCount(); got != 1 {
		t.Fatalf("want one in-flight chunk, got %d", got)
	}
	if !s.Playing() {
		t.Fatal("scheduler must report playing while a chunk is in flight")
	}

	sink.finishOne(t)
	sink.finishOne(t)
	if got := sink.playCount(); got != 3 {
		t.Fatalf("want all 3 chunks scheduled, got %d", got)
	}

	// Starts must be monotonically spaced by at least the chunk duration.
	dur := audio.Chunk{Data: make([]byte, 960)}.Duration(audio.PlaybackFormat)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := 1; i < len(sink.plays); i++ {
		gap := sink.plays[i].start.Sub(sink.plays[i-1].start)
		if gap < dur {
			t.Fatalf("play %d starts %v after previous; want ≥ %v", i, gap, dur)
		}
	}
}

func TestSchedulerSkipsDecodeFailures(t *testing.T) {
	t.Parallel()

	s, buf, sink, _ := newTestScheduler(t, &failNDecoder{n: 2})

	for i := 1; i <= 3; i++ {
		buf.Enqueue(chunk("t1", uint64(i)))
	}
	buf.OnTurnFinal("t1")
	s.Tick()

	// The first two chunks fail to decode; the third must still play.
	if got := sink.playCount(); got != 1 {
		t.Fatalf("want 1 played chunk after 2 decode failures, got %d", got)
	}
	sink.finishOne(t)

	turns := buf.Turns()
	if len(turns) != 1 || turns[0].PlayedCount != 1 || turns[0].ReceivedCount != 3 {
		t.Fatalf("unexpected turn state: %+v", turns)
	}
}

func TestSchedulerDegradedEventAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	s, buf, _, events := newTestScheduler(t, &failNDecoder{n: maxConsecutiveDecodeFailures + 1})

	for i := 1; i <= maxConsecutiveDecodeFailures; i++ {
		buf.Enqueue(chunk("t1", uint64(i)))
	}
	s.Tick()

	var sawError bool
	for _, ev := range collect(events) {
		if e, ok := ev.(event.Error); ok && e.Op == "jitter.decode" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("want degraded error event after repeated decode failures")
	}
}

func TestSchedulerInterrupt(t *testing.T) {
	t.Parallel()

	s, buf, sink, _ := newTestScheduler(t, nil)

	for i := 1; i <= 4; i++ {
		buf.Enqueue(chunk("t1", uint64(i)))
	}
	s.Tick()
	s.Interrupt()

	if buf.Len() != 0 {
		t.Fatalf("interrupt must flush the buffer, got %d queued", buf.Len())
	}
	sink.mu.Lock()
	stopped := sink.stopped
	sink.mu.Unlock()
	if !stopped {
		t.Fatal("interrupt must stop the sink")
	}

	// New audio after the interrupt plays from a fresh timeline.
	buf.Enqueue(chunk("t2", 1))
	s.Tick()
	if got := sink.playCount(); got != 2 {
		t.Fatalf("want playback to resume after interrupt, got %d plays", got)
	}
}

func TestSchedulerDestroyMakesCallbacksInert(t *testing.T) {
	t.Parallel()

	s, buf, sink, _ := newTestScheduler(t, nil)

	buf.Enqueue(chunk("t1", 1))
	buf.Enqueue(chunk("t1", 2))
	s.Tick()
	s.Destroy()

	// The sink's Stop fired the pending completion; nothing new may start.
	if got := sink.playCount(); got != 1 {
		t.Fatalf("want no scheduling after destroy, got %d plays", got)
	}
	s.Tick()
	if got := sink.playCount(); got != 1 {
		t.Fatalf("tick after destroy must be a no-op, got %d plays", got)
	}
}

func TestSchedulerStateChangeTransitions(t *testing.T) {
	t.Parallel()

	s, buf, sink, _ := newTestScheduler(t, nil)

	var mu sync.Mutex
	var states []bool
	s.OnStateChange(func(playing bool) {
		mu.Lock()
		states = append(states, playing)
		mu.Unlock()
	})

	buf.Enqueue(chunk("t1", 1))
	buf.Enqueue(chunk("t1", 2))
	s.Tick()
	s.Tick() // already in flight: no second transition

	sink.finishOne(t) // second chunk starts, still rendering
	sink.finishOne(t) // queue drained, rendering stops

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Fatalf("want one start and one stop transition, got %v", states)
	}
}

func TestSchedulerReportsSchedulingDelay(t *testing.T) {
	t.Parallel()

	s, buf, sink, events := newTestScheduler(t, nil)

	buf.Enqueue(chunk("t1", 1))
	s.Tick()
	sink.finishOne(t)

	// Let the first chunk's timeline slot pass before offering the next,
	// so it schedules behind the continuous timeline.
	dur := audio.Chunk{Data: make([]byte, 960)}.Duration(audio.PlaybackFormat)
	time.Sleep(dur + 10*time.Millisecond)
	buf.Enqueue(chunk("t1", 2))
	s.Tick()

	var delays []event.Metrics
	for _, ev := range collect(events) {
		if m, ok := ev.(event.Metrics); ok && m.Name == "playback" {
			delays = append(delays, m)
		}
	}
	if len(delays) == 0 {
		t.Fatal("late chunk must report its scheduling delay")
	}
	if got := delays[len(delays)-1].Values["scheduling_delay_us"]; got < 10000 {
		t.Fatalf("want at least the 10ms lag reported, got %dµs", got)
	}
}
