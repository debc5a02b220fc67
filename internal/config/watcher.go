package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// defaultPollInterval is how often the watcher re-examines the file.
const defaultPollInterval = 5 * time.Second

// fingerprint identifies one observed state of the config file. The mtime
// and size gate the cheap check; the hash decides whether content really
// moved when a write merely touched the file.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and invokes a callback when its content
// changes and still parses as a valid [Config]. An invalid rewrite keeps
// the previous config in force. Polling avoids a platform notification
// dependency for a file that changes a few times a day at most.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	cfg      atomic.Pointer[Config]
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately and starts polling it in a background
// goroutine. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := snapshotFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cfg.Store(cfg)

	go w.watch(fp)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	return w.cfg.Load()
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// watch is the poll loop. The fingerprint of the last adopted (or
// rejected-and-noted) file state lives here, not on the struct; nothing
// else needs it.
func (w *Watcher) watch(last fingerprint) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}

		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
			continue
		}
		if info.ModTime().Equal(last.mtime) && info.Size() == last.size {
			continue
		}

		cfg, fp, err := snapshotFile(w.path)
		if err != nil {
			slog.Warn("config watcher: keeping previous configuration", "path", w.path, "err", err)
			continue
		}
		if fp.sum == last.sum {
			// Touched, not changed.
			last = fp
			continue
		}

		old := w.cfg.Swap(cfg)
		last = fp
		slog.Info("configuration reloaded", "path", w.path)
		if w.onChange != nil {
			w.onChange(old, cfg)
		}
	}
}

// snapshotFile reads, parses, and fingerprints the file in one pass so the
// adopted config always matches the fingerprint that gated it.
func snapshotFile(path string) (*Config, fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{
		mtime: info.ModTime(),
		size:  int64(len(data)),
		sum:   sha256.Sum256(data),
	}, nil
}
