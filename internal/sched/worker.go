package sched

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parakeetd/pkg/asr"
)

// Worker owns exclusive access to a recognizer. At most one RunBatch call is
// active at any instant; the mutex serializes callers that race past the
// aggregator (there is exactly one in normal operation, but tests and the
// unary Recognize path may call directly).
type Worker struct {
	mu  sync.Mutex
	rec asr.Recognizer
}

// NewWorker wraps rec in a single-owner worker.
func NewWorker(rec asr.Recognizer) *Worker {
	return &Worker{rec: rec}
}

// RunBatch transcribes the batch and returns one transcript per waveform in
// input order. The call blocks for the full duration of the model run; there
// is no in-flight cancellation; ctx is checked only before the model is
// entered.
func (w *Worker) RunBatch(ctx context.Context, waveforms [][]float32, sampleRates []int) ([]string, error) {
	if len(waveforms) == 0 {
		return nil, nil
	}
	if len(waveforms) != len(sampleRates) {
		return nil, fmt.Errorf("sched: %d waveforms but %d sample rates", len(waveforms), len(sampleRates))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	texts, err := w.rec.RecognizeBatch(ctx, waveforms, sampleRates)
	if err != nil {
		return nil, err
	}
	if len(texts) != len(waveforms) {
		return nil, fmt.Errorf("sched: recognizer returned %d results for %d inputs", len(texts), len(waveforms))
	}
	return texts, nil
}
