// Package config provides the configuration schema, loader, and validation
// for the parakeetd gateway.
package config

import (
	"time"

	"github.com/MrWong99/parakeetd/internal/sched"
	"github.com/MrWong99/parakeetd/internal/stream"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file via [Load]. Zero values are filled by [ApplyDefaults].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stream    StreamConfig    `yaml:"stream"`
	Settle    SettleConfig    `yaml:"settle"`
}

// ServerConfig holds the network and logging surface.
type ServerConfig struct {
	// HTTPAddr is the TCP address for the WebSocket/metrics/health listener.
	HTTPAddr string `yaml:"http_addr"`

	// GRPCAddr is the TCP address for the gRPC listener.
	GRPCAddr string `yaml:"grpc_addr"`

	// MaxActive caps concurrent streaming sessions across both adapters.
	// Zero disables the cap.
	MaxActive int `yaml:"max_active"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for both listeners. When nil, plaintext.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ModelConfig selects and tunes the acoustic model.
type ModelConfig struct {
	// Path is the whisper.cpp model file (ggml format).
	Path string `yaml:"path"`

	// Language is the recognition language code ("en", "auto", ...).
	Language string `yaml:"language"`

	// WarmupSeconds runs a silent dry pass of this many seconds at startup
	// so first-request latency is stable. Zero skips warmup.
	WarmupSeconds float64 `yaml:"warmup_seconds"`
}

// SchedulerConfig tunes the micro-batch aggregator.
type SchedulerConfig struct {
	// WindowMS is the batch aggregation window in milliseconds.
	WindowMS float64 `yaml:"window_ms"`

	// MaxBatch is the maximum items per batch.
	MaxBatch int `yaml:"max_batch"`

	// QueueMaxFactor bounds the queue at queue_max_factor * max_batch.
	QueueMaxFactor int `yaml:"queue_max_factor"`
}

// StreamConfig tunes the per-session state machine. All durations are
// milliseconds unless suffixed otherwise.
type StreamConfig struct {
	StepMS                  float64 `yaml:"step_ms"`
	MaxCtxSeconds           float64 `yaml:"max_ctx_seconds"`
	MaxAudioSeconds         float64 `yaml:"max_audio_seconds"`
	DecimationWhenHot       *bool   `yaml:"decimation_when_hot"`
	DecimationMinIntervalMS float64 `yaml:"decimation_min_interval_ms"`
	HotQueueFraction        float64 `yaml:"hot_queue_fraction"`
	TickTimeoutS            float64 `yaml:"tick_timeout_s"`
	SegmentLenMS            float64 `yaml:"segment_len_ms"`
	SegmentMinMS            float64 `yaml:"segment_min_ms"`
	SegmentOverlapMS        float64 `yaml:"segment_overlap_ms"`
	VADTailMS               float64 `yaml:"vad_tail_ms"`
	VADEnergyThreshold      float64 `yaml:"vad_energy_threshold"`
	FinalsTimeoutS          float64 `yaml:"finals_timeout_s"`
	CloseOnInferenceError   bool    `yaml:"close_on_inference_error"`
}

// SettleConfig tunes the end-of-utterance gate.
type SettleConfig struct {
	TargetEOSMS   float64 `yaml:"target_eos_ms"`
	QuietMS       float64 `yaml:"quiet_ms"`
	VADHangoverMS float64 `yaml:"vad_hangover_ms"`
}

// ApplyDefaults fills unset fields with the gateway defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8000"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":50051"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Model.Language == "" {
		c.Model.Language = "en"
	}

	if c.Scheduler.WindowMS == 0 {
		c.Scheduler.WindowMS = 10
	}
	if c.Scheduler.MaxBatch == 0 {
		c.Scheduler.MaxBatch = 8
	}
	if c.Scheduler.QueueMaxFactor == 0 {
		c.Scheduler.QueueMaxFactor = 2
	}

	def := stream.DefaultConfig()
	if c.Stream.StepMS == 0 {
		c.Stream.StepMS = def.Step.Seconds() * 1000
	}
	if c.Stream.MaxCtxSeconds == 0 {
		c.Stream.MaxCtxSeconds = def.MaxCtx.Seconds()
	}
	if c.Stream.MaxAudioSeconds == 0 {
		c.Stream.MaxAudioSeconds = def.MaxAudio.Seconds()
	}
	if c.Stream.DecimationWhenHot == nil {
		v := def.DecimationWhenHot
		c.Stream.DecimationWhenHot = &v
	}
	if c.Stream.DecimationMinIntervalMS == 0 {
		c.Stream.DecimationMinIntervalMS = def.DecimationMinInterval.Seconds() * 1000
	}
	if c.Stream.HotQueueFraction == 0 {
		c.Stream.HotQueueFraction = def.HotQueueFraction
	}
	if c.Stream.TickTimeoutS == 0 {
		c.Stream.TickTimeoutS = def.TickTimeout.Seconds()
	}
	if c.Stream.SegmentLenMS == 0 {
		c.Stream.SegmentLenMS = def.SegmentLen.Seconds() * 1000
	}
	if c.Stream.SegmentMinMS == 0 {
		c.Stream.SegmentMinMS = def.SegmentMin.Seconds() * 1000
	}
	if c.Stream.SegmentOverlapMS == 0 {
		c.Stream.SegmentOverlapMS = def.SegmentOverlap.Seconds() * 1000
	}
	if c.Stream.VADTailMS == 0 {
		c.Stream.VADTailMS = def.VADTail.Seconds() * 1000
	}
	if c.Stream.VADEnergyThreshold == 0 {
		c.Stream.VADEnergyThreshold = def.VADEnergyThreshold
	}
	if c.Stream.FinalsTimeoutS == 0 {
		c.Stream.FinalsTimeoutS = def.FinalsTimeout.Seconds()
	}

	if c.Settle.TargetEOSMS == 0 {
		c.Settle.TargetEOSMS = stream.DefaultTargetEOS.Seconds() * 1000
	}
	if c.Settle.QuietMS == 0 {
		c.Settle.QuietMS = stream.DefaultQuiet.Seconds() * 1000
	}
	if c.Settle.VADHangoverMS == 0 {
		c.Settle.VADHangoverMS = stream.DefaultVADHangover.Seconds() * 1000
	}
}

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// SchedulerSettings converts the YAML block into the scheduler's native
// config.
func (c *Config) SchedulerSettings() sched.Config {
	return sched.Config{
		Window:         ms(c.Scheduler.WindowMS),
		MaxBatch:       c.Scheduler.MaxBatch,
		QueueMaxFactor: c.Scheduler.QueueMaxFactor,
	}
}

// StreamSettings converts the YAML blocks into the session template config.
// The per-session handshake (interim, wire rate) is applied by the adapters.
func (c *Config) StreamSettings() stream.Config {
	return stream.Config{
		SampleRate:            16000,
		Step:                  ms(c.Stream.StepMS),
		MaxCtx:                seconds(c.Stream.MaxCtxSeconds),
		MaxAudio:              seconds(c.Stream.MaxAudioSeconds),
		DecimationWhenHot:     c.Stream.DecimationWhenHot == nil || *c.Stream.DecimationWhenHot,
		DecimationMinInterval: ms(c.Stream.DecimationMinIntervalMS),
		HotQueueFraction:      c.Stream.HotQueueFraction,
		TickTimeout:           seconds(c.Stream.TickTimeoutS),
		SegmentLen:            ms(c.Stream.SegmentLenMS),
		SegmentMin:            ms(c.Stream.SegmentMinMS),
		SegmentOverlap:        ms(c.Stream.SegmentOverlapMS),
		VADTail:               ms(c.Stream.VADTailMS),
		VADEnergyThreshold:    c.Stream.VADEnergyThreshold,
		FinalsTimeout:         seconds(c.Stream.FinalsTimeoutS),
		InterimEnabled:        true,
		CloseOnInferenceError: c.Stream.CloseOnInferenceError,
		Settle: stream.SettleConfig{
			TargetEOS:   ms(c.Settle.TargetEOSMS),
			Quiet:       ms(c.Settle.QuietMS),
			VADHangover: ms(c.Settle.VADHangoverMS),
		},
	}
}
