package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Remote.URL == "" {
		errs = append(errs, errors.New("remote.url is required"))
	} else if !strings.HasPrefix(cfg.Remote.URL, "ws://") && !strings.HasPrefix(cfg.Remote.URL, "wss://") {
		errs = append(errs, fmt.Errorf("remote.url %q must use the ws:// or wss:// scheme", cfg.Remote.URL))
	}
	if cfg.Remote.ReadyTimeout < 0 {
		errs = append(errs, errors.New("remote.ready_timeout must not be negative"))
	}

	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, errors.New("audio.block_size must not be negative"))
	}
	if cfg.Audio.ChunkMillis < 0 {
		errs = append(errs, errors.New("audio.chunk_ms must not be negative"))
	}

	if cfg.VAD.BaseThreshold < 0 || cfg.VAD.BaseThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.base_threshold %v must be in [0, 1]", cfg.VAD.BaseThreshold))
	}
	if cfg.VAD.MinSpeechFrames < 0 || cfg.VAD.MinSilenceFrames < 0 {
		errs = append(errs, errors.New("vad frame counts must not be negative"))
	}

	if cfg.Jitter.MinFill < 0 {
		errs = append(errs, errors.New("jitter.min_fill must not be negative"))
	}

	bp := cfg.Resilience.Backpressure
	if bp.LowWatermark < 0 || bp.HighWatermark < 0 || bp.MaxWatermark < 0 {
		errs = append(errs, errors.New("resilience.backpressure watermarks must not be negative"))
	}
	if bp.HighWatermark > 0 && bp.LowWatermark >= bp.HighWatermark {
		errs = append(errs, fmt.Errorf("resilience.backpressure.low_watermark (%d) must be below high_watermark (%d)", bp.LowWatermark, bp.HighWatermark))
	}
	if bp.MaxWatermark > 0 && bp.HighWatermark > bp.MaxWatermark {
		errs = append(errs, fmt.Errorf("resilience.backpressure.high_watermark (%d) must not exceed max_watermark (%d)", bp.HighWatermark, bp.MaxWatermark))
	}
	if cfg.Resilience.Breaker.FailureThreshold < 0 {
		errs = append(errs, errors.New("resilience.breaker.failure_threshold must not be negative"))
	}

	if cfg.Diagnostics.PostgresDSN == "" {
		slog.Info("diagnostics.postgres_dsn is not set; session archival disabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %w", errors.Join(errs...))
	}
	return nil
}
