// Package whisper implements asr.Recognizer backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded exactly once at construction and shared by every
// batch call. whisper.cpp contexts are not thread-safe, so a fresh context
// is created per waveform; the scheduler's worker already guarantees only
// one RecognizeBatch is in flight at a time.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/parakeetd/pkg/asr"
)

const (
	defaultLanguage = "en"

	// modelSampleRate is the only input rate whisper.cpp accepts.
	modelSampleRate = 16000
)

// Compile-time assertion that Recognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// Recognizer implements asr.Recognizer using whisper.cpp.
type Recognizer struct {
	language string

	mu     sync.Mutex
	model  whisperlib.Model
	closed bool
}

// New loads the whisper.cpp model from modelPath. The load happens eagerly
// so that a bad path or a missing accelerator fails at startup rather than
// on the first request. The caller must call Close when done.
func New(modelPath string, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	r := &Recognizer{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// RecognizeBatch transcribes each waveform with a fresh whisper context and
// returns the transcripts in input order. Any per-item failure fails the
// whole batch with an error wrapping asr.ErrInference.
func (r *Recognizer) RecognizeBatch(ctx context.Context, waveforms [][]float32, sampleRates []int) ([]string, error) {
	if len(waveforms) != len(sampleRates) {
		return nil, fmt.Errorf("whisper: %d waveforms but %d sample rates", len(waveforms), len(sampleRates))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("whisper: recognizer is closed")
	}

	texts := make([]string, len(waveforms))
	for i, wav := range waveforms {
		if sampleRates[i] != modelSampleRate {
			return nil, fmt.Errorf("whisper: %w: unsupported sample rate %d (want %d)",
				asr.ErrInference, sampleRates[i], modelSampleRate)
		}
		text, err := r.infer(wav)
		if err != nil {
			return nil, fmt.Errorf("whisper: %w: item %d: %v", asr.ErrInference, i, err)
		}
		texts[i] = text
	}
	return texts, nil
}

// Warmup runs one dry pass over silence so the backend initializes its
// compute graph before the first client request. Errors are logged, not
// returned; a failed warmup only costs first-request latency.
func (r *Recognizer) Warmup(seconds float64) {
	n := int(seconds * modelSampleRate)
	if n <= 0 {
		n = modelSampleRate
	}
	silence := make([]float32, n)
	if _, err := r.RecognizeBatch(context.Background(), [][]float32{silence}, []int{modelSampleRate}); err != nil {
		slog.Warn("whisper warmup pass failed", "err", err)
	}
}

// Close releases the whisper model. Calling Close more than once is safe.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.model.Close()
}

// infer runs a single waveform through a fresh whisper.cpp context and
// returns the concatenated segment text.
func (r *Recognizer) infer(samples []float32) (string, error) {
	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}

	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
