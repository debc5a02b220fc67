package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/event"
	"github.com/voxwire/voxwire/internal/jitter"
	"github.com/voxwire/voxwire/internal/netres"
	"github.com/voxwire/voxwire/internal/transport"
	"github.com/voxwire/voxwire/internal/vad"
	"github.com/voxwire/voxwire/pkg/audio"
)

// Devices opens the host audio endpoints for a session.
type Devices interface {
	OpenSource(ctx context.Context) (audio.Source, error)
	OpenSink(ctx context.Context) (audio.Sink, error)
}

// SessionRecord summarizes one finished session for archival.
type SessionRecord struct {
	SessionID    string
	StartedAt    time.Time
	EndedAt      time.Time
	QualityScore float64
	QualityTier  string
	BargeIns     int64
	Truncations  int64
	Overruns     int64
	Underruns    int64
}

// Archiver persists finished session records. May be nil in the manager
// config; archival is then skipped.
type Archiver interface {
	ArchiveSession(ctx context.Context, rec SessionRecord) error
}

// Info holds metadata about the active session.
type Info struct {
	SessionID string
	URL       string
	StartedAt time.Time
}

// ManagerConfig holds the dependencies for a [Manager].
type ManagerConfig struct {
	Devices Devices
	URL     string
	Session Config
	Archive Archiver

	// Reconnect tunes redial behaviour after a dropped connection. The
	// URL and OnReconnect fields are owned by the manager and ignored.
	Reconnect ReconnectorConfig

	// Observer, when set, is started on each session's diagnostics
	// subscription; (*observe.Metrics).RecordEvents is the production
	// consumer.
	Observer func(ctx context.Context, sub <-chan event.Event)
}

// Manager owns the lifecycle of voice sessions. Only one session can be
// active at a time. All exported methods are safe for concurrent use.
type Manager struct {
	devices   Devices
	url       string
	cfg       Config
	archive   Archiver
	reconnect ReconnectorConfig
	observer  func(ctx context.Context, sub <-chan event.Event)

	mu          sync.Mutex
	active      bool
	info        Info
	sess        *Session
	reconnector *Reconnector
	cancel      context.CancelFunc
	bargeIns    int64
	truncations int64
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		devices:   cfg.Devices,
		url:       cfg.URL,
		cfg:       cfg.Session,
		archive:   cfg.Archive,
		reconnect: cfg.Reconnect,
		observer:  cfg.Observer,
	}
}

// Start begins a new voice session: it opens the audio devices, dials the
// remote service, and starts the pipeline. Returns an error if a session
// is already active.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return fmt.Errorf("session: a session is already active (id=%s)", m.info.SessionID)
	}

	now := time.Now().UTC()
	sessionID := fmt.Sprintf("session-%s", now.Format("20060102T150405Z"))

	source, err := m.devices.OpenSource(ctx)
	if err != nil {
		return fmt.Errorf("session: open audio source: %w", err)
	}
	sink, err := m.devices.OpenSink(ctx)
	if err != nil {
		source.Close()
		return fmt.Errorf("session: open audio sink: %w", err)
	}

	rcfg := m.reconnect
	rcfg.URL = m.url
	rcfg.OnReconnect = m.handleReconnect
	reconnector := NewReconnector(rcfg)
	channel, err := reconnector.Connect(ctx)
	if err != nil {
		source.Close()
		sink.Close()
		return fmt.Errorf("session: %w", err)
	}

	events := event.NewFanout()
	cfg := m.cfg
	cfg.ID = sessionID
	sess, err := New(cfg, source, sink, channel, events)
	if err != nil {
		channel.Close()
		source.Close()
		sink.Close()
		return fmt.Errorf("session: %w", err)
	}
	// A dead transport wakes the redial loop instead of ending the
	// session; handleReconnect reattaches the session on success.
	sess.OnDisconnect(reconnector.NotifyDisconnect)

	sessionCtx, cancel := context.WithCancel(context.Background())
	reconnector.Monitor(sessionCtx)
	go m.countDiagnostics(events.Subscribe())
	if m.observer != nil {
		go m.observer(sessionCtx, events.Subscribe())
	}
	go func() {
		if err := sess.Run(sessionCtx); err != nil {
			slog.Error("session terminated", "session_id", sessionID, "err", err)
		}
		events.Close()
	}()

	m.active = true
	m.sess = sess
	m.reconnector = reconnector
	m.cancel = cancel
	m.bargeIns = 0
	m.truncations = 0
	m.info = Info{SessionID: sessionID, URL: m.url, StartedAt: now}

	slog.Info("session started", "session_id", sessionID, "url", m.url)
	return nil
}

// Stop ends the active session, archives its summary, and releases all
// resources. Returns an error if no session is active.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return fmt.Errorf("session: no active session")
	}

	rec := SessionRecord{
		SessionID:   m.info.SessionID,
		StartedAt:   m.info.StartedAt,
		EndedAt:     time.Now().UTC(),
		BargeIns:    m.bargeIns,
		Truncations: m.truncations,
	}
	if m.sess != nil {
		rec.QualityScore = m.sess.Resilience().Quality().Score()
		rec.QualityTier = m.sess.Resilience().Quality().Tier().String()
		capt := m.sess.CaptureMetrics()
		rec.Overruns = int64(capt.Overruns)
		rec.Underruns = int64(capt.Underruns)
	}

	m.cancel()
	m.sess.Close()
	m.reconnector.Stop()

	m.active = false
	m.sess = nil
	m.reconnector = nil

	if m.archive != nil {
		if err := m.archive.ArchiveSession(ctx, rec); err != nil {
			slog.Warn("session archive failed", "session_id", rec.SessionID, "err", err)
		}
	}

	slog.Info("session stopped",
		"session_id", rec.SessionID,
		"quality_score", rec.QualityScore,
		"barge_ins", rec.BargeIns,
		"truncations", rec.Truncations,
	)
	return nil
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Info returns metadata about the active session. The second return is
// false when no session is active.
func (m *Manager) Info() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, m.active
}

// Ready reports the active session's layered readiness. Without an
// active session the transport layer fails.
func (m *Manager) Ready() netres.Readiness {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return netres.Readiness{Layer: "transport", Reason: "no active session"}
	}
	return sess.Ready()
}

// ApplyTunables forwards hot-reloaded detector and jitter settings to the
// active session. A no-op without one.
func (m *Manager) ApplyTunables(vadOpts []vad.Option, jitterOpts []jitter.BufferOption) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess != nil {
		sess.ApplyTunables(vadOpts, jitterOpts)
	}
}

// handleReconnect rebinds the active session to a freshly dialled channel.
func (m *Manager) handleReconnect(ch transport.DuplexChannel) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		ch.Close()
		return
	}
	sess.Attach(ch)
}

// countDiagnostics tallies the events that end up in the session record.
func (m *Manager) countDiagnostics(sub <-chan event.Event) {
	for ev := range sub {
		switch ev.(type) {
		case event.BargeIn:
			m.mu.Lock()
			m.bargeIns++
			m.mu.Unlock()
		case event.Truncation:
			m.mu.Lock()
			m.truncations++
			m.mu.Unlock()
		}
	}
}
