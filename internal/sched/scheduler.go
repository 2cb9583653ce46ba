package sched

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parakeetd/internal/observe"
)

var (
	// ErrQueueFull is returned by Submit when the bounded queue is at
	// capacity. Adapters must translate it to a wire-level busy signal.
	ErrQueueFull = errors.New("sched: queue full")

	// ErrStopped is returned by Submit after Stop, and resolves any items
	// still queued when the scheduler shut down.
	ErrStopped = errors.New("sched: scheduler stopped")
)

// Outcome is the result of one inference submission.
type Outcome struct {
	// Text is the transcript. Empty when Err is set.
	Text string

	// InferenceTime is the wall time of the batch call that served this item.
	InferenceTime time.Duration

	// QueueWait is the time the item spent queued before its batch started.
	QueueWait time.Duration

	// Err is the batch error, if any. All items of a failed batch carry the
	// same error.
	Err error
}

// Pending is a one-shot handle for a submitted work item. It resolves
// exactly once. Callers that stop waiting simply abandon the handle; the
// worker still computes the batch and the outcome is discarded.
type Pending struct {
	out  chan Outcome
	once sync.Once
}

func newPending() *Pending {
	return &Pending{out: make(chan Outcome, 1)}
}

// Out returns the channel on which the outcome is delivered. The channel
// receives exactly one value.
func (p *Pending) Out() <-chan Outcome { return p.out }

// Wait blocks until the outcome arrives or ctx is done. On ctx expiry the
// item is abandoned, not cancelled: the worker will still compute it.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-p.out:
		if o.Err != nil {
			return o, o.Err
		}
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve delivers the outcome. Exactly one delivery wins; the buffered
// channel means resolve never blocks.
func (p *Pending) resolve(o Outcome) {
	p.once.Do(func() { p.out <- o })
}

// Config holds the scheduler's batching parameters.
type Config struct {
	// Window is the aggregation window: after the first (anchor) item of a
	// batch is dequeued, the aggregator keeps collecting same-priority
	// items until the window expires or MaxBatch is reached. Zero yields
	// single-item batches.
	Window time.Duration

	// MaxBatch is the maximum number of items per batch. Minimum 1.
	MaxBatch int

	// QueueMaxFactor bounds the queue at QueueMaxFactor * MaxBatch items.
	// Minimum 1.
	QueueMaxFactor int
}

// Option configures a Scheduler during construction.
type Option func(*Scheduler)

// WithMetrics wires the scheduler's instruments. Without it the scheduler
// records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler is the priority micro-batching scheduler. Construct with [New],
// call [Scheduler.Start] once, submit work from any goroutine, and call
// [Scheduler.Stop] to shut down. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	worker   *Worker
	window   time.Duration
	maxBatch int
	maxQueue int
	metrics  *observe.Metrics

	mu      sync.Mutex
	queue   itemHeap
	seq     uint64
	stopped bool

	notify chan struct{} // signalled (cap 1) when an item is enqueued
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler that dispatches batches to worker. Call Start to
// begin processing.
func New(worker *Worker, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	if cfg.QueueMaxFactor < 1 {
		cfg.QueueMaxFactor = 1
	}
	s := &Scheduler{
		worker:   worker,
		window:   cfg.Window,
		maxBatch: cfg.MaxBatch,
		maxQueue: cfg.QueueMaxFactor * cfg.MaxBatch,
		queue:    make(itemHeap, 0, cfg.QueueMaxFactor*cfg.MaxBatch),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.queue)
	return s
}

// Start launches the aggregator goroutine. Must be called exactly once.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Stop shuts the scheduler down: the aggregator finishes its in-flight
// batch, and every item still queued resolves with ErrStopped. Subsequent
// Submit calls fail with ErrStopped. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	// Fail whatever is still queued. Each Pending resolves exactly once.
	s.mu.Lock()
	leftover := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, it := range leftover {
		it.pending.resolve(Outcome{Err: ErrStopped})
	}
	s.gaugeAdd(-int64(len(leftover)))
}

// Submit enqueues one waveform for recognition at the given priority. It
// never blocks: when the queue is at capacity it fails immediately with
// ErrQueueFull.
func (s *Scheduler) Submit(waveform []float32, sampleRate, priority int) (*Pending, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.queue.Len() >= s.maxQueue {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueRejections.Add(context.Background(), 1)
		}
		return nil, ErrQueueFull
	}
	s.seq++
	it := &item{
		priority:   priority,
		seq:        s.seq,
		enqueued:   time.Now(),
		waveform:   waveform,
		sampleRate: sampleRate,
		pending:    newPending(),
	}
	heap.Push(&s.queue, it)
	s.mu.Unlock()

	s.gaugeAdd(1)
	s.wake()
	return it.pending, nil
}

// QueueLen returns the number of currently queued items. Sessions use the
// QueueLen/QueueCap ratio for their decimation decision.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// QueueCap returns the queue capacity (queue_max_factor * max_batch).
func (s *Scheduler) QueueCap() int {
	return s.maxQueue
}

// wake signals the aggregator without blocking.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// take pops the head of the queue, or returns false if it is empty.
func (s *Scheduler) take() (*item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&s.queue).(*item)
	return it, true
}

// requeue returns items to the queue. They keep their original keys, so
// ordering within each priority class is preserved. Capacity is not checked:
// these items were already admitted.
func (s *Scheduler) requeue(items []*item) {
	s.mu.Lock()
	for _, it := range items {
		heap.Push(&s.queue, it)
	}
	s.mu.Unlock()
	s.wake()
}

// takeBlocking pops the next item, waiting until one is available or ctx is
// done.
func (s *Scheduler) takeBlocking(ctx context.Context) (*item, bool) {
	for {
		if it, ok := s.take(); ok {
			return it, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.notify:
		}
	}
}

// takeWait pops the next item, waiting at most d.
func (s *Scheduler) takeWait(ctx context.Context, d time.Duration) (*item, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		if it, ok := s.take(); ok {
			return it, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		case <-s.notify:
		}
	}
}

// run is the aggregator loop: one batch per iteration. The first dequeued
// item anchors the batch priority; collection continues until the window
// deadline or maxBatch. A higher-priority arrival preempts the batch being
// formed exactly once: the collected items go back to the queue and the
// preempting item becomes the new anchor. Once dispatched, a batch always
// runs to completion.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		anchor, ok := s.takeBlocking(ctx)
		if !ok {
			return
		}

		batch := []*item{anchor}
		pri := anchor.priority
		deadline := time.Now().Add(s.window)

	collect:
		for len(batch) < s.maxBatch {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			next, ok := s.takeWait(ctx, remaining)
			if !ok {
				break
			}
			switch {
			case next.priority == pri:
				batch = append(batch, next)
			case next.priority < pri:
				// Preempt: the collected batch returns to the queue and
				// the higher-priority item starts a fresh batch.
				s.requeue(batch)
				batch = []*item{next}
				pri = next.priority
				deadline = time.Now().Add(s.window)
			default:
				// The queue head is lower priority than the anchor, so no
				// more items at this priority exist. Stop collecting.
				s.requeue([]*item{next})
				break collect
			}
		}

		s.gaugeAdd(-int64(len(batch)))
		s.dispatch(ctx, batch)

		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch runs one batch through the worker and resolves every pending
// handle in input order. A worker error resolves the whole batch with the
// same error; the scheduler itself keeps running.
func (s *Scheduler) dispatch(ctx context.Context, batch []*item) {
	waveforms := make([][]float32, len(batch))
	sampleRates := make([]int, len(batch))
	for i, it := range batch {
		waveforms[i] = it.waveform
		sampleRates[i] = it.sampleRate
	}

	start := time.Now()
	texts, err := s.worker.RunBatch(ctx, waveforms, sampleRates)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.BatchSize.Record(context.Background(), int64(len(batch)))
		s.metrics.InferenceDuration.Record(context.Background(), elapsed.Seconds())
	}

	for i, it := range batch {
		wait := start.Sub(it.enqueued)
		if err != nil {
			it.pending.resolve(Outcome{QueueWait: wait, Err: err})
			continue
		}
		it.pending.resolve(Outcome{
			Text:          texts[i],
			InferenceTime: elapsed,
			QueueWait:     wait,
		})
		if s.metrics != nil {
			s.metrics.QueueWait.Record(context.Background(), wait.Seconds(),
				metric.WithAttributes(attribute.Int("priority", it.priority)))
		}
	}
}

// gaugeAdd adjusts the queue depth gauge, if metrics are wired.
func (s *Scheduler) gaugeAdd(delta int64) {
	if s.metrics != nil && delta != 0 {
		s.metrics.QueueDepth.Add(context.Background(), delta)
	}
}
