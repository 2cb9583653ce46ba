package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. Useful in tests where
// configs are built from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxActive < 0 {
		errs = append(errs, fmt.Errorf("server.max_active must not be negative, got %d", cfg.Server.MaxActive))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if cfg.Model.WarmupSeconds < 0 {
		errs = append(errs, fmt.Errorf("model.warmup_seconds must not be negative, got %g", cfg.Model.WarmupSeconds))
	}

	if cfg.Scheduler.WindowMS < 0 {
		errs = append(errs, fmt.Errorf("scheduler.window_ms must not be negative, got %g", cfg.Scheduler.WindowMS))
	}
	if cfg.Scheduler.MaxBatch < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_batch must be at least 1, got %d", cfg.Scheduler.MaxBatch))
	}
	if cfg.Scheduler.QueueMaxFactor < 1 {
		errs = append(errs, fmt.Errorf("scheduler.queue_max_factor must be at least 1, got %d", cfg.Scheduler.QueueMaxFactor))
	}

	if cfg.Stream.StepMS <= 0 {
		errs = append(errs, fmt.Errorf("stream.step_ms must be positive, got %g", cfg.Stream.StepMS))
	}
	if cfg.Stream.MaxCtxSeconds <= 0 {
		errs = append(errs, fmt.Errorf("stream.max_ctx_seconds must be positive, got %g", cfg.Stream.MaxCtxSeconds))
	}
	if cfg.Stream.MaxAudioSeconds < 0 {
		errs = append(errs, fmt.Errorf("stream.max_audio_seconds must not be negative, got %g", cfg.Stream.MaxAudioSeconds))
	}
	if f := cfg.Stream.HotQueueFraction; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("stream.hot_queue_fraction must be in [0, 1], got %g", f))
	}
	if cfg.Stream.SegmentMinMS > cfg.Stream.SegmentLenMS {
		errs = append(errs, fmt.Errorf("stream.segment_min_ms (%g) must not exceed stream.segment_len_ms (%g)",
			cfg.Stream.SegmentMinMS, cfg.Stream.SegmentLenMS))
	}
	if cfg.Stream.VADEnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("stream.vad_energy_threshold must not be negative, got %g", cfg.Stream.VADEnergyThreshold))
	}
	if cfg.Stream.TickTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("stream.tick_timeout_s must be positive, got %g", cfg.Stream.TickTimeoutS))
	}
	if cfg.Stream.FinalsTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("stream.finals_timeout_s must be positive, got %g", cfg.Stream.FinalsTimeoutS))
	}

	if cfg.Settle.QuietMS <= 0 {
		errs = append(errs, fmt.Errorf("settle.quiet_ms must be positive, got %g", cfg.Settle.QuietMS))
	}
	if cfg.Settle.TargetEOSMS < cfg.Settle.QuietMS {
		errs = append(errs, fmt.Errorf("settle.target_eos_ms (%g) must not be below settle.quiet_ms (%g)",
			cfg.Settle.TargetEOSMS, cfg.Settle.QuietMS))
	}

	return errors.Join(errs...)
}
