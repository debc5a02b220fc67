package event

import "sync"

// defaultSubscriberBuf is the channel depth given to each subscriber.
const defaultSubscriberBuf = 64

// Fanout copies published events to every subscriber. Publishing never
// blocks: a subscriber whose channel is full misses that event and the
// drop counter is incremented. Subscribers are expected to drain promptly.
//
// All methods are safe for concurrent use.
type Fanout struct {
	mu      sync.Mutex
	subs    []chan Event
	closed  bool
	dropped int64
}

// NewFanout creates an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Subscribe registers a new subscriber and returns its receive channel.
// The channel is closed when the Fanout is closed. Subscribing after Close
// returns an already-closed channel.
func (f *Fanout) Subscribe() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, defaultSubscriberBuf)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, ch)
	return ch
}

// Publish delivers ev to all current subscribers without blocking.
// Publishing to a closed Fanout is a no-op.
func (f *Fanout) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.dropped++
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (f *Fanout) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close closes all subscriber channels. Safe to call more than once.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
