// Package mock provides a test double for the asr package interfaces.
//
// Use Recognizer to script transcription results and inject latency or
// failures into scheduler and session tests.
//
// Example:
//
//	rec := &mock.Recognizer{
//	    Transcript: "hello world",
//	    Latency:    10 * time.Millisecond,
//	}
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parakeetd/pkg/asr"
)

// RecognizeCall records a single invocation of Recognizer.RecognizeBatch.
type RecognizeCall struct {
	// WaveformLens holds the sample count of each waveform in the batch.
	WaveformLens []int

	// SampleRates holds the sample rate of each waveform in the batch.
	SampleRates []int
}

// Recognizer is a mock implementation of asr.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Transcript is returned for every batch item when RecognizeBatchFunc
	// is nil. When empty, items get "transcript-<n>" where n counts items
	// across all calls.
	Transcript string

	// Latency, when non-zero, is slept before returning from each call.
	// Respects context cancellation.
	Latency time.Duration

	// Err, if non-nil, is returned as the batch error.
	Err error

	// RecognizeBatchFunc, if non-nil, replaces the default behaviour
	// entirely. Latency and Err are not applied around it.
	RecognizeBatchFunc func(ctx context.Context, waveforms [][]float32, sampleRates []int) ([]string, error)

	// Calls records every invocation of RecognizeBatch.
	Calls []RecognizeCall

	itemCount int
	inFlight  int

	// MaxInFlight records the highest number of concurrent RecognizeBatch
	// calls observed. The scheduler's worker must keep this at 1.
	MaxInFlight int

	closed bool
}

// Compile-time assertion that Recognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// RecognizeBatch records the call, applies the scripted latency or error,
// and returns one transcript per waveform.
func (r *Recognizer) RecognizeBatch(ctx context.Context, waveforms [][]float32, sampleRates []int) ([]string, error) {
	r.mu.Lock()
	lens := make([]int, len(waveforms))
	for i, w := range waveforms {
		lens[i] = len(w)
	}
	rates := make([]int, len(sampleRates))
	copy(rates, sampleRates)
	r.Calls = append(r.Calls, RecognizeCall{WaveformLens: lens, SampleRates: rates})
	r.inFlight++
	if r.inFlight > r.MaxInFlight {
		r.MaxInFlight = r.inFlight
	}
	fn := r.RecognizeBatchFunc
	latency := r.Latency
	scriptedErr := r.Err
	base := r.Transcript
	start := r.itemCount
	r.itemCount += len(waveforms)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, waveforms, sampleRates)
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scriptedErr != nil {
		return nil, scriptedErr
	}

	texts := make([]string, len(waveforms))
	for i := range texts {
		if base != "" {
			texts[i] = base
		} else {
			texts[i] = fmt.Sprintf("transcript-%d", start+i)
		}
	}
	return texts, nil
}

// Close marks the recognizer closed. Thread-safe and idempotent.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CallCount returns the number of recorded RecognizeBatch invocations.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
