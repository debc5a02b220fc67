// Package session wires the resilience primitives into one live voice
// session: capture flows from the audio source through the noise gate,
// VAD, and ring buffer out over the resilient transport; inbound audio
// flows through the jitter buffer and playback scheduler to the sink.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/codec"
	"github.com/voxwire/voxwire/internal/event"
	"github.com/voxwire/voxwire/internal/jitter"
	"github.com/voxwire/voxwire/internal/netres"
	"github.com/voxwire/voxwire/internal/transport"
	"github.com/voxwire/voxwire/internal/vad"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/audio/ring"
)

const (
	// defaultErrorBudget is how many processing errors a session absorbs
	// before it declares itself unhealthy and stops.
	defaultErrorBudget = 25

	// defaultReadyTimeout bounds how long captured audio is held back
	// waiting for the remote service's readiness signal.
	defaultReadyTimeout = 3 * time.Second

	// ringBlocks sizes the capture ring's minimum and initial capacity in
	// device blocks.
	ringBlocks    = 4
	ringMaxBlocks = 64

	// noiseGateThreshold zeroes samples below this absolute amplitude.
	noiseGateThreshold = 200

	// probeTimeout bounds one quality-monitor round-trip measurement.
	probeTimeout = 2 * time.Second
)

// Config carries the per-session tunables.
type Config struct {
	// ID identifies the session in logs and diagnostics.
	ID string

	// BlockSize is the device callback block size in samples.
	BlockSize int

	// ChunkMillis is the outbound chunk duration. Zero means 20ms.
	ChunkMillis int

	// ErrorBudget overrides the processing error budget. Zero keeps the
	// default.
	ErrorBudget int

	// ReadyTimeout overrides the readiness hold-back timeout. Zero keeps
	// the default.
	ReadyTimeout time.Duration

	// VAD configures the voice activity detector.
	VAD []vad.Option

	// Jitter configures the playback jitter buffer.
	Jitter []jitter.BufferOption

	// Resilience configures the network resilience stack (breaker,
	// backpressure watermarks).
	Resilience []netres.ManagerOption
}

// channelRef is the stable transport handle the resilience stack and the
// send paths hold: reconnection swaps the underlying channel in place
// without rebuilding anything that keeps the reference.
type channelRef struct {
	mu sync.Mutex
	ch transport.DuplexChannel
}

var _ netres.Transport = (*channelRef)(nil)

func (r *channelRef) get() transport.DuplexChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

func (r *channelRef) set(ch transport.DuplexChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = ch
}

func (r *channelRef) Send(data []byte) error { return r.get().Send(data) }
func (r *channelRef) Buffered() int          { return r.get().Buffered() }
func (r *channelRef) Open() bool             { return r.get().Open() }

// Session is one live voice conversation. Create it with [New], drive it
// with [Session.Run], and tear it down with [Session.Close].
type Session struct {
	id     string
	source audio.Source
	sink   audio.Sink

	link   *channelRef
	res    *netres.Manager
	events *event.Fanout

	vadEng *vad.Engine
	capt   *ring.Buffer
	jbuf   *jitter.Buffer
	sched  *jitter.Scheduler

	chunkSamples int
	chunkMillis  int
	errorBudget  int
	readyTimeout time.Duration
	preReadyCap  int

	mu           sync.Mutex
	pendingMeta  *transport.ControlMessage
	encoder      *codec.Encoder
	compressed   bool
	sequence     uint64
	errorCount   int
	ready        bool
	preReady     []audio.Chunk
	pressure     string
	lastRing     ring.Metrics
	onDisconnect func()
	destroyed    bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New assembles a session over the given collaborators. The channel's
// handlers are claimed by the session; register nothing else on it.
func New(cfg Config, source audio.Source, sink audio.Sink, channel transport.DuplexChannel, events *event.Fanout) (*Session, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("session: block size must be positive, got %d", cfg.BlockSize)
	}
	chunkMillis := cfg.ChunkMillis
	if chunkMillis <= 0 {
		chunkMillis = 20
	}
	errorBudget := cfg.ErrorBudget
	if errorBudget <= 0 {
		errorBudget = defaultErrorBudget
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	// The readiness hold-back can accumulate at most one chunk per chunk
	// period before the timeout flushes it; that bound is the capacity the
	// pressure advisories are computed against.
	preReadyCap := int(readyTimeout / (time.Duration(chunkMillis) * time.Millisecond))
	if preReadyCap < 1 {
		preReadyCap = 1
	}

	capt, err := ring.New(cfg.BlockSize*ringBlocks, cfg.BlockSize*ringBlocks, cfg.BlockSize*ringMaxBlocks)
	if err != nil {
		return nil, fmt.Errorf("session: capture ring: %w", err)
	}

	format := source.Format()
	s := &Session{
		id:           cfg.ID,
		source:       source,
		sink:         sink,
		link:         &channelRef{ch: channel},
		events:       events,
		vadEng:       vad.New(cfg.VAD...),
		capt:         capt,
		jbuf:         jitter.NewBuffer(events, cfg.Jitter...),
		chunkSamples: format.SampleRate * chunkMillis / 1000,
		chunkMillis:  chunkMillis,
		errorBudget:  errorBudget,
		readyTimeout: readyTimeout,
		preReadyCap:  preReadyCap,
	}
	s.sched = jitter.NewScheduler(s.jbuf, sink, nil, events)
	s.sched.OnStateChange(s.onPlaybackState)
	s.res = netres.NewManager(s.link, s.probe, events, cfg.Resilience...)

	channel.OnBinary(s.onAudioFrame)
	channel.OnControl(s.onControl)
	channel.OnClose(s.onChannelClose)
	return s, nil
}

// Run drives the session until ctx is cancelled or the transport dies.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	readyTimer := time.AfterFunc(s.readyTimeout, s.flushPreReadyOnTimeout)
	defer readyTimer.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.res.Run(ctx) })
	g.Go(func() error { return s.captureLoop(ctx) })
	g.Go(func() error { return s.eventLoop(ctx) })

	err := g.Wait()
	s.Close()
	if err != nil && err != context.Canceled {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	return nil
}

// captureLoop owns the capture path: noise gate, VAD, ring buffer, and
// chunked sends.
func (s *Session) captureLoop(ctx context.Context) error {
	format := s.source.Format()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case block, ok := <-s.source.Blocks():
			if !ok {
				return fmt.Errorf("audio source closed")
			}

			audio.NoiseGate(block, noiseGateThreshold)
			playing := s.sched.Playing()

			// The VAD engine and the ring are not concurrency-safe; the
			// session mutex serializes them against hot reloads and
			// metrics snapshots.
			s.mu.Lock()
			s.vadEng.SetPlaybackActive(playing)
			cls := s.vadEng.Classify(block)
			s.capt.Write(block)
			var chunks [][]int16
			for s.capt.Len() >= s.chunkSamples {
				chunks = append(chunks, s.capt.Read(s.chunkSamples))
			}
			rm := s.capt.Metrics()
			overruns := int64(rm.Overruns - s.lastRing.Overruns)
			underruns := int64(rm.Underruns - s.lastRing.Underruns)
			s.lastRing = rm
			s.mu.Unlock()

			if cls.BargeIn {
				s.handleBargeIn()
			}
			if overruns > 0 || underruns > 0 {
				s.events.Publish(event.Metrics{Name: "capture_ring", Values: map[string]int64{
					"overruns":  overruns,
					"underruns": underruns,
				}})
			}
			for _, samples := range chunks {
				s.sendChunk(audio.SamplesToBytes(samples), format)
			}
		}
	}
}

// sendChunk announces and transmits one outbound chunk, holding it back
// while the remote service has not signalled readiness. Hold-back
// occupancy crossings raise buffer pressure advisories toward the remote.
func (s *Session) sendChunk(data []byte, format audio.Format) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.sequence++
	c := audio.Chunk{Data: data, Sequence: s.sequence, Received: time.Now()}
	if !s.ready {
		s.preReady = append(s.preReady, c)
		occupied := len(s.preReady)
		capacity := s.preReadyCap
		level := holdbackLevel(occupied, capacity)
		crossed := level != "" && level != s.pressure
		if crossed {
			s.pressure = level
		}
		s.mu.Unlock()

		if crossed {
			s.announcePressure(level, occupied, capacity)
		}
		return
	}
	enc := s.encoder
	s.mu.Unlock()

	s.transmit(c, format, enc)
}

// holdbackLevel maps readiness-buffer occupancy onto an advisory level:
// "medium" at 70% of capacity, "high" at 90%.
func holdbackLevel(occupied, capacity int) string {
	switch {
	case capacity <= 0:
		return ""
	case occupied*10 >= capacity*9:
		return "high"
	case occupied*10 >= capacity*7:
		return "medium"
	default:
		return ""
	}
}

// announcePressure publishes a local buffer pressure diagnostic and sends
// the matching advisory to the remote.
func (s *Session) announcePressure(level string, occupied, capacity int) {
	slog.Info("readiness buffer filling",
		"session_id", s.id, "level", level, "occupied", occupied, "capacity", capacity)
	s.events.Publish(event.BufferPressure{
		Buffer:   "readiness",
		Level:    level,
		Occupied: occupied,
		Capacity: capacity,
	})
	if err := s.link.get().SendControl(transport.ControlMessage{
		Type:     transport.ControlBufferPressure,
		Level:    level,
		Occupied: occupied,
		Capacity: capacity,
	}); err != nil {
		s.recordError("session.buffer_pressure", err)
	}
}

// transmit puts one chunk on the wire: metadata first, then the payload.
func (s *Session) transmit(c audio.Chunk, format audio.Format, enc *codec.Encoder) {
	meta := transport.AudioMetadata(c, format)
	if err := s.link.get().SendControl(meta); err != nil {
		s.recordError("session.metadata", err)
		return
	}

	payload := c.Data
	if enc != nil {
		compressed, err := enc.Encode(c.Data)
		if err != nil {
			s.recordError("session.encode", err)
			return
		}
		payload = compressed
	}
	s.res.Send(payload, netres.PriorityNormal)
	s.events.Publish(event.Data{PCM: c.Data, Captured: c.Received})
}

// flushPreReadyOnTimeout releases held-back audio when the remote never
// signals readiness in time. The conversation proceeds; the remote just
// missed its chance at a clean start.
func (s *Session) flushPreReadyOnTimeout() {
	s.mu.Lock()
	if s.ready || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.ready = true
	held := s.preReady
	s.preReady = nil
	s.pressure = ""
	s.mu.Unlock()

	if len(held) > 0 {
		slog.Warn("readiness timeout, flushing held audio",
			"session_id", s.id, "chunks", len(held), "flushed_by_timeout", true)
	}
	s.flushHeld(held)
}

func (s *Session) flushHeld(held []audio.Chunk) {
	format := s.source.Format()
	s.mu.Lock()
	enc := s.encoder
	s.mu.Unlock()
	for _, c := range held {
		s.transmit(c, format, enc)
	}
}

// markReady releases held-back audio after the remote's readiness signal.
func (s *Session) markReady() {
	s.mu.Lock()
	if s.ready || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.ready = true
	held := s.preReady
	s.preReady = nil
	s.pressure = ""
	s.mu.Unlock()

	slog.Info("remote ready", "session_id", s.id, "held_chunks", len(held))
	s.flushHeld(held)
}

// onControl dispatches incoming control messages.
func (s *Session) onControl(msg transport.ControlMessage) {
	switch msg.Type {
	case transport.ControlReady:
		s.markReady()
	case transport.ControlAudioMetadata:
		s.mu.Lock()
		m := msg
		s.pendingMeta = &m
		s.mu.Unlock()
	case transport.ControlTurnComplete:
		if msg.TurnID != "" {
			s.jbuf.OnTurnFinal(msg.TurnID)
			s.sched.Tick()
		}
	case transport.ControlBufferPressure:
		slog.Debug("remote buffer pressure", "session_id", s.id, "level", msg.Level)
		s.events.Publish(event.BufferPressure{
			Buffer:   "remote",
			Level:    msg.Level,
			Occupied: msg.Occupied,
			Capacity: msg.Capacity,
		})
	case transport.ControlInterrupted:
		s.sched.Interrupt()
	case transport.ControlTruncationWarning:
		slog.Warn("remote reports truncated turn",
			"session_id", s.id, "turn_id", msg.TurnID, "chunks_removed", msg.ChunksRemoved)
	default:
		slog.Debug("ignoring control message", "session_id", s.id, "type", msg.Type)
	}
}

// onAudioFrame adopts one inbound binary frame into the jitter buffer,
// correlating it with the most recent metadata announcement. Uncompressed
// frames announced at a foreign sample rate are resampled to the sink's.
func (s *Session) onAudioFrame(data []byte) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	meta := s.pendingMeta
	s.pendingMeta = nil
	compressed := s.compressed
	s.mu.Unlock()

	c := audio.Chunk{Data: data, Received: time.Now()}
	isFinal := false
	if meta != nil {
		c.TurnID = meta.TurnID
		c.Sequence = meta.Sequence
		isFinal = meta.IsFinal

		sinkRate := s.sink.Format().SampleRate
		if !compressed && meta.SampleRate > 0 && meta.SampleRate != sinkRate {
			samples := audio.BytesToSamples(data)
			c.Data = audio.SamplesToBytes(audio.ResampleMono16(samples, meta.SampleRate, sinkRate))
		}
	}
	if c.TurnID == "" {
		// Metadata-less frames still play; they share a synthetic turn.
		c.TurnID = "unattributed"
	}

	s.jbuf.Enqueue(c)
	if isFinal {
		s.jbuf.OnTurnFinal(c.TurnID)
	}
	s.sched.Tick()
}

// handleBargeIn stops playback immediately and tells the remote the turn
// was cut short.
func (s *Session) handleBargeIn() {
	slog.Info("barge-in detected", "session_id", s.id)
	s.sched.Interrupt()
	s.events.Publish(event.BargeIn{At: time.Now()})
	if err := s.link.get().SendControl(transport.ControlMessage{Type: transport.ControlInterrupted}); err != nil {
		s.recordError("session.interrupt", err)
	}
}

// onPlaybackState tells the remote when rendering starts and stops.
func (s *Session) onPlaybackState(playing bool) {
	s.mu.Lock()
	dead := s.destroyed
	s.mu.Unlock()
	if dead {
		return
	}

	state := "stopped"
	if playing {
		state = "playing"
	}
	if err := s.link.get().SendControl(transport.ControlMessage{
		Type:  transport.ControlPlaybackState,
		State: state,
	}); err != nil {
		s.recordError("session.playback_state", err)
	}
}

// eventLoop watches the session's own diagnostics: it applies quality
// recommendations, relays truncations to the remote, and enforces the
// fatal error budget.
func (s *Session) eventLoop(ctx context.Context) error {
	sub := s.events.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case event.QualityChange:
				s.applySettings(e.Settings)
			case event.Truncation:
				s.reportTruncation(e)
			case event.Error:
				if e.Severity >= event.SeverityError {
					s.recordError(e.Op, e.Err)
				}
			case event.Fatal:
				return fmt.Errorf("fatal: %s: %w", e.Op, e.Err)
			}
		}
	}
}

// reportTruncation warns the remote that a turn finished with missing
// chunks so it can adjust pacing.
func (s *Session) reportTruncation(e event.Truncation) {
	s.mu.Lock()
	dead := s.destroyed
	s.mu.Unlock()
	if dead {
		return
	}
	if err := s.link.get().SendControl(transport.ControlMessage{
		Type:          transport.ControlTruncationWarning,
		TurnID:        e.TurnID,
		ChunksRemoved: e.MissingChunks,
	}); err != nil {
		s.recordError("session.truncation_warning", err)
	}
}

// applySettings reacts to a quality tier change by toggling the
// compression codec on both directions.
func (s *Session) applySettings(settings event.AudioSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	if !settings.Compress {
		s.encoder = nil
		s.compressed = false
		s.sched.SetDecoder(nil)
		return
	}
	if s.encoder != nil {
		return
	}

	enc, err := codec.NewEncoder(s.source.Format(), s.chunkMillis)
	if err != nil {
		slog.Warn("compression unavailable", "session_id", s.id, "err", err)
		return
	}
	dec, err := codec.NewDecoder(s.sink.Format(), s.chunkMillis)
	if err != nil {
		slog.Warn("compression unavailable", "session_id", s.id, "err", err)
		return
	}
	s.encoder = enc
	s.compressed = true
	s.sched.SetDecoder(dec)
}

// ApplyTunables applies hot-reloadable detector and jitter settings to
// the running session.
func (s *Session) ApplyTunables(vadOpts []vad.Option, jitterOpts []jitter.BufferOption) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.vadEng.Configure(vadOpts...)
	s.mu.Unlock()

	s.jbuf.Configure(jitterOpts...)
	slog.Info("session tunables applied", "session_id", s.id)
}

// recordError counts one processing error against the budget. Exhausting
// the budget publishes a fatal event; the event loop stops the session.
func (s *Session) recordError(op string, err error) {
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	budget := s.errorBudget
	s.mu.Unlock()

	slog.Warn("session error", "session_id", s.id, "op", op, "count", count, "err", err)
	if count == budget {
		s.events.Publish(event.Fatal{Op: op, Err: fmt.Errorf("error budget exhausted after %d errors: %w", count, err)})
	} else {
		s.events.Publish(event.Error{Severity: event.SeverityWarning, Op: op, Err: err})
	}
}

// probe measures one transport round-trip for the quality monitor by
// pinging the peer and timing the pong.
func (s *Session) probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := s.link.get().Ping(ctx)
	return time.Since(start), err
}

// OnDisconnect registers the callback fired when the transport dies
// underneath the session. Without a callback a dead transport ends the
// session; with one (the reconnector's notifier) the session stays up
// and waits for [Session.Attach].
func (s *Session) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Attach swaps in a freshly dialled channel after a reconnect. The
// session claims the new channel's handlers, resumes sending through it,
// and the quality monitor restarts at a conservative tier.
func (s *Session) Attach(ch transport.DuplexChannel) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.link.set(ch)
	s.mu.Unlock()

	ch.OnBinary(s.onAudioFrame)
	ch.OnControl(s.onControl)
	ch.OnClose(s.onChannelClose)
	s.res.OnReconnect()
	slog.Info("transport reattached", "session_id", s.id)
}

// onChannelClose reacts to the transport dying underneath the session.
func (s *Session) onChannelClose(err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	notify := s.onDisconnect
	cancel := s.cancel
	s.mu.Unlock()

	if err != nil {
		slog.Warn("transport closed", "session_id", s.id, "err", err)
	}
	s.res.OnDisconnect()
	if notify != nil {
		notify()
		return
	}
	if cancel != nil {
		cancel()
	}
}

// Ready reports the layered transport readiness.
func (s *Session) Ready() netres.Readiness {
	return s.res.IsReady()
}

// Resilience exposes the resilience manager for health reporting.
func (s *Session) Resilience() *netres.Manager { return s.res }

// CaptureMetrics snapshots the capture ring's counters.
func (s *Session) CaptureMetrics() ring.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capt.Metrics()
}

// Close tears the session down: playback stops, buffers clear, timers
// cancel, and every later callback becomes a no-op. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.preReady = nil
		s.capt.Clear()
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.sched.Destroy()
		s.link.get().Close()
		s.source.Close()
		audio.Drain(s.source.Blocks())
		s.sink.Close()
		slog.Info("session closed", "session_id", s.id)
	})
}
