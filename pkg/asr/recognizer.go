// Package asr defines the Recognizer interface for batched speech
// recognition backends.
//
// A Recognizer wraps an acoustic model resident on an accelerator (GPU or
// CPU) and exposes exactly one operation: transcribe a batch of waveforms.
// The interface deliberately carries no priority, fairness, or cancellation
// affordances; those belong to the scheduler in front of it. Failure is
// batch-fatal: the model contract does not allow recovering per-item results
// from a failed batch call.
//
// Implementations need not be safe for concurrent RecognizeBatch calls; the
// scheduler's worker serializes access.
package asr

import (
	"context"
	"errors"
)

// ErrInference is the sentinel wrapped by all recognizer batch failures.
// Callers use errors.Is(err, asr.ErrInference) to distinguish model faults
// from timeouts and cancellations.
var ErrInference = errors.New("inference failed")

// Recognizer transcribes batches of audio.
type Recognizer interface {
	// RecognizeBatch transcribes the given waveforms and returns one
	// transcript per input, in input order. Waveforms are normalized
	// float32 mono samples in [-1, 1]; sampleRates holds the matching rate
	// for each waveform.
	//
	// On any internal fault the whole batch fails with an error wrapping
	// [ErrInference]. Implementations must not return partial results.
	RecognizeBatch(ctx context.Context, waveforms [][]float32, sampleRates []int) ([]string, error)

	// Close releases the underlying model. After Close, RecognizeBatch
	// returns an error. Calling Close more than once is safe.
	Close() error
}
