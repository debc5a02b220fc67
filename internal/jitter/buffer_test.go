package jitter

import (
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/event"
	"github.com/voxwire/voxwire/pkg/audio"
)

func chunk(turnID string, seq uint64) audio.Chunk {
	return audio.Chunk{
		Data:     make([]byte, 960), // 20ms at 24kHz mono
		TurnID:   turnID,
		Sequence: seq,
		Received: time.Now(),
	}
}

// collect drains any pending events from ch without blocking.
func collect(ch <-chan event.Event) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestMinFillGate(t *testing.T) {
	t.Parallel()

	fan := event.NewFanout()
	defer fan.Close()
	b := NewBuffer(fan, WithMinFill(3), WithGracePeriod(time.Hour))

	b.Enqueue(chunk("t1", 1))
	if _, ok := b.Next(); ok {
		t.Fatal("gate must hold below minFill")
	}
	b.Enqueue(chunk("t1", 2))
	if _, ok := b.Next(); ok {
		t.Fatal("gate must hold below minFill")
	}
	b.Enqueue(chunk("t1", 3))
	c, ok := b.Next()
	if !ok {
		t.Fatal("gate must open at minFill")
	}
	if c.Sequence != 1 {
		t.Fatalf("want FIFO order, got sequence %d first", c.Sequence)
	}

	// Once started, the gate stays open below minFill.
	if _, ok := b.Next(); !ok {
		t.Fatal("started stream must keep draining below minFill")
	}
}

func TestEarlyStart(t *testing.T) {
	t.Parallel()

	t.Run("final signal opens the gate", func(t *testing.T) {
		t.Parallel()
		fan := event.NewFanout()
		defer fan.Close()
		b := NewBuffer(fan, WithMinFill(3), WithGracePeriod(time.Hour))

		b.Enqueue(chunk("t1", 1))
		b.OnTurnFinal("t1")
		if _, ok := b.Next(); !ok {
			t.Fatal("a short final turn must start without reaching minFill")
		}
	})

	t.Run("grace period expiry opens the gate", func(t *testing.T) {
		t.Parallel()
		fan := event.NewFanout()
		defer fan.Close()
		b := NewBuffer(fan, WithMinFill(3), WithGracePeriod(10*time.Millisecond))

		b.Enqueue(chunk("t1", 1))
		time.Sleep(30 * time.Millisecond)
		if _, ok := b.Next(); !ok {
			t.Fatal("gate must open once the grace period expires with no arrivals")
		}
	})

	t.Run("empty buffer never starts", func(t *testing.T) {
		t.Parallel()
		fan := event.NewFanout()
		defer fan.Close()
		b := NewBuffer(fan, WithMinFill(1))
		if _, ok := b.Next(); ok {
			t.Fatal("empty buffer must not produce a chunk")
		}
	})
}

func TestTurnCompletion(t *testing.T) {
	t.Parallel()

	t.Run("fully played turn completes without truncation", func(t *testing.T) {
		t.Parallel()
		fan := event.NewFanout()
		events := fan.Subscribe()
		defer fan.Close()
		b := NewBuffer(fan, WithMinFill(1))

		for i := 1; i <= 5; i++ {
			b.Enqueue(chunk("t1", uint64(i)))
		}
		b.OnTurnFinal("t1")
		for i := 0; i < 5; i++ {
			c, ok := b.Next()
			if !ok {
				t.Fatalf("chunk %d missing", i)
			}
			b.MarkPlayed(c.TurnID)
		}

		turns := b.Turns()
		if len(turns) != 1 {
			t.Fatalf("want 1 retained turn, got %d", len(turns))
		}
		if !turns[0].Complete(b.Len() == 0) {
			t.Fatal("turn must report complete")
		}
		for _, ev := range collect(events) {
			if _, isTrunc := ev.(event.Truncation); isTrunc {
				t.Fatal("no truncation expected for a fully played turn")
			}
		}
	})

	t.Run("missing chunks emit truncation diagnostic", func(t *testing.T) {
		t.Parallel()
		fan := event.NewFanout()
		events := fan.Subscribe()
		defer fan.Close()
		b := NewBuffer(fan, WithMinFill(1))

		for i := 1; i <= 5; i++ {
			b.Enqueue(chunk("t1", uint64(i)))
		}
		b.OnTurnFinal("t1")
		for i := 0; i < 5; i++ {
			c, ok := b.Next()
			if !ok {
				t.Fatalf("chunk %d missing", i)
			}
			// Two chunks fail to play.
			if i < 3 {
				b.MarkPlayed(c.TurnID)
			} else {
				b.MarkSkipped(c.TurnID)
			}
		}

		var trunc *event.Truncation
		for _, ev := range collect(events) {
			if tr, ok := ev.(event.Truncation); ok {
				if trunc != nil {
					t.Fatal("truncation must be emitted exactly once")
				}
				trunc = &tr
			}
		}
		if trunc == nil {
			t.Fatal("want truncation diagnostic")
		}
		if trunc.Received != 5 || trunc.Played != 3 || trunc.MissingChunks != 2 {
			t.Fatalf("want 5/3 with 2 missing, got %d/%d with %d", trunc.Received, trunc.Played, trunc.MissingChunks)
		}
	})
}

func TestFlush(t *testing.T) {
	t.Parallel()

	fan := event.NewFanout()
	events := fan.Subscribe()
	defer fan.Close()
	b := NewBuffer(fan, WithMinFill(2))

	// Raise the adaptive gate via a stall: start draining, then hit empty
	// while more chunks are expected.
	b.Enqueue(chunk("t1", 1))
	b.Enqueue(chunk("t1", 2))
	b.Next()
	b.Next()
	b.Next() // empty while expecting more → gate rises
	if b.MinFill() <= 2 {
		t.Fatalf("want raised fill gate after stall, got %d", b.MinFill())
	}

	b.Enqueue(chunk("t2", 1))
	b.OnTurnFinal("t2")
	b.Flush()

	if b.Len() != 0 {
		t.Fatalf("want empty buffer after flush, got %d", b.Len())
	}
	if b.MinFill() != 2 {
		t.Fatalf("flush must reset the fill gate to its floor, got %d", b.MinFill())
	}
	// Intentional discard: no truncation for the flushed turn.
	b.MarkPlayed("t1")
	for _, ev := range collect(events) {
		if tr, ok := ev.(event.Truncation); ok && tr.TurnID == "t2" {
			t.Fatal("flushed turns must not emit truncation diagnostics")
		}
	}
}

func TestTurnRegistryEviction(t *testing.T) {
	t.Parallel()

	fan := event.NewFanout()
	defer fan.Close()
	b := NewBuffer(fan, WithMinFill(1))

	for i := 0; i < maxRetainedTurns+10; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		b.Enqueue(audio.Chunk{Data: []byte{0, 0}, TurnID: id})
		c, _ := b.Next()
		b.MarkPlayed(c.TurnID)
	}
	if got := len(b.Turns()); got > maxRetainedTurns {
		t.Fatalf("registry must cap retained turns at %d, got %d", maxRetainedTurns, got)
	}
}

func TestConfigureAdjustsFillGate(t *testing.T) {
	t.Parallel()

	fan := event.NewFanout()
	defer fan.Close()
	b := NewBuffer(fan, WithMinFill(2), WithGracePeriod(time.Hour))

	b.Configure(WithMinFill(3))

	b.Enqueue(chunk("t1", 1))
	b.Enqueue(chunk("t1", 2))
	if _, ok := b.Next(); ok {
		t.Fatal("gate must hold below the reconfigured fill level")
	}
	b.Enqueue(chunk("t1", 3))
	if _, ok := b.Next(); !ok {
		t.Fatal("gate must open at the reconfigured fill level")
	}

	// Lowering the floor takes effect too.
	b.Flush()
	b.Configure(WithMinFill(1))
	b.Enqueue(chunk("t2", 1))
	if _, ok := b.Next(); !ok {
		t.Fatal("gate must open at the lowered fill level")
	}
}
