package stream

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parakeetd/internal/observe"
	"github.com/MrWong99/parakeetd/internal/sched"
	"github.com/MrWong99/parakeetd/pkg/audio"
)

var (
	// ErrFinalized is returned by Push after the session has flushed.
	ErrFinalized = errors.New("stream: session finalized")

	// ErrLimitReached is returned by Push when the absolute audio cap was
	// exceeded. The session has already been flushed; the returned events
	// include the terminal finals.
	ErrLimitReached = errors.New("stream: max audio duration reached")
)

// Submitter is the scheduler surface a session depends on. *sched.Scheduler
// satisfies it; tests substitute fakes.
type Submitter interface {
	Submit(waveform []float32, sampleRate, priority int) (*sched.Pending, error)
	QueueLen() int
	QueueCap() int
}

// Config holds the session state machine parameters. Durations are converted
// to byte counts at construction using the session sample rate.
type Config struct {
	// SampleRate of the PCM the session receives, in Hz. Adapters resample
	// alternative wire rates before pushing, so this is the model rate.
	SampleRate int

	// Step is the minimum new audio since the last emit before a partial
	// tick is considered.
	Step time.Duration

	// MaxCtx bounds the rolling context supplied to partial ticks.
	MaxCtx time.Duration

	// MaxAudio is the absolute session duration cap. Zero disables it.
	MaxAudio time.Duration

	// DecimationWhenHot enables load-aware tick decimation.
	DecimationWhenHot bool

	// DecimationMinInterval is the minimum wall-clock gap between partial
	// emits while the queue is hot.
	DecimationMinInterval time.Duration

	// HotQueueFraction is the QueueLen/QueueCap ratio above which the queue
	// counts as hot.
	HotQueueFraction float64

	// TickTimeout is the per-partial-tick deadline.
	TickTimeout time.Duration

	// SegmentLen is the hard segment cut length.
	SegmentLen time.Duration

	// SegmentMin is the minimum segment duration before a silence cut.
	SegmentMin time.Duration

	// SegmentOverlap is re-prepended to the next segment after a cut.
	SegmentOverlap time.Duration

	// VADTail is the silence-detection window at the end of full_buf.
	VADTail time.Duration

	// VADEnergyThreshold is the mean-square energy (normalized float32)
	// below which the tail counts as silence.
	VADEnergyThreshold float64

	// FinalsTimeout is the deadline for final-segment awaits and the
	// terminal flush.
	FinalsTimeout time.Duration

	// InterimEnabled controls whether partial events are produced at all.
	InterimEnabled bool

	// CloseOnInferenceError makes a failed partial tick fatal for the
	// session. Off by default: a transient batch failure drops one tick.
	CloseOnInferenceError bool

	// Settle configures the end-of-utterance gate.
	Settle SettleConfig
}

// DefaultConfig returns the session parameters used when the config file
// leaves them unset.
func DefaultConfig() Config {
	return Config{
		SampleRate:            16000,
		Step:                  320 * time.Millisecond,
		MaxCtx:                10 * time.Second,
		MaxAudio:              10 * time.Minute,
		DecimationWhenHot:     true,
		DecimationMinInterval: 240 * time.Millisecond,
		HotQueueFraction:      0.5,
		TickTimeout:           2 * time.Second,
		SegmentLen:            15 * time.Second,
		SegmentMin:            3 * time.Second,
		SegmentOverlap:        240 * time.Millisecond,
		VADTail:               200 * time.Millisecond,
		VADEnergyThreshold:    1e-4,
		FinalsTimeout:         10 * time.Second,
		InterimEnabled:        true,
	}
}

// bytes converts a duration to a PCM16 byte count at the config sample rate.
func (c Config) bytes(d time.Duration) int {
	return int(d.Seconds()*float64(c.SampleRate)) * audio.BytesPerSample
}

// pendingSegment pairs a submitted final with its segment index.
type pendingSegment struct {
	pending     *sched.Pending
	idx         int
	submittedAt time.Time
}

// SessionOption configures a Session during construction.
type SessionOption func(*Session)

// WithSessionMetrics wires the session's instruments.
func WithSessionMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithClock substitutes the time source. Tests use this to drive cadence and
// decimation decisions deterministically; timer-based waits stay real.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// Session is the per-connection streaming state machine. It is not safe for
// concurrent use: the owning wire adapter drives Push and Flush from its
// single read loop, which is the only writer.
type Session struct {
	// ID is the opaque session identifier, unique per process.
	ID string

	cfg     Config
	sub     Submitter
	gate    *SettleGate
	metrics *observe.Metrics
	now     func() time.Time

	stepBytes       int
	maxCtxBytes     int
	maxAudioBytes   int
	segLenBytes     int
	segMinBytes     int
	segOverlapBytes int
	vadTailBytes    int

	ctxBuf         []byte
	fullBuf        []byte
	bytesSinceEmit int
	lastEmit       time.Time
	totalBytes     int
	segIdx         int
	pending        []pendingSegment
	finalized      bool
}

// NewSession creates a session bound to the given scheduler surface.
func NewSession(id string, cfg Config, sub Submitter, opts ...SessionOption) *Session {
	s := &Session{
		ID:              id,
		cfg:             cfg,
		sub:             sub,
		gate:            NewSettleGate(cfg.Settle),
		now:             time.Now,
		stepBytes:       cfg.bytes(cfg.Step),
		maxCtxBytes:     cfg.bytes(cfg.MaxCtx),
		maxAudioBytes:   cfg.bytes(cfg.MaxAudio),
		segLenBytes:     cfg.bytes(cfg.SegmentLen),
		segMinBytes:     cfg.bytes(cfg.SegmentMin),
		segOverlapBytes: cfg.bytes(cfg.SegmentOverlap),
		vadTailBytes:    cfg.bytes(cfg.VADTail),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Finalized reports whether the session has completed its terminal flush.
func (s *Session) Finalized() bool { return s.finalized }

// BufferedBytes returns the audio accumulated since the last segment cut.
func (s *Session) BufferedBytes() int { return len(s.fullBuf) }

// Push ingests one PCM16 chunk and runs the per-tick loop: cadence gating,
// decimation, partial submission, segmentation, and pending-final draining.
// The returned events are in emission order. A non-nil error other than
// ErrLimitReached means the session should be torn down by the caller.
func (s *Session) Push(ctx context.Context, chunk []byte) ([]Event, error) {
	if s.finalized {
		return nil, ErrFinalized
	}

	s.fullBuf = append(s.fullBuf, chunk...)
	s.ctxBuf = append(s.ctxBuf, chunk...)
	if over := len(s.ctxBuf) - s.maxCtxBytes; over > 0 {
		s.ctxBuf = append(s.ctxBuf[:0], s.ctxBuf[over:]...)
	}
	s.totalBytes += len(chunk)
	s.bytesSinceEmit += len(chunk)

	var events []Event
	if s.bytesSinceEmit >= s.stepBytes {
		ev, err := s.tick(ctx)
		events = append(events, ev...)
		if err != nil {
			return events, err
		}
		events = append(events, s.maybeCut()...)
		events = append(events, s.drainPending()...)
	}

	if s.maxAudioBytes > 0 && s.totalBytes > s.maxAudioBytes {
		fl, err := s.Flush(ctx)
		events = append(events, fl...)
		if err != nil {
			return events, err
		}
		return events, ErrLimitReached
	}
	return events, nil
}

// tick runs one partial submission: decimation check, scheduler submit at
// priority 1, wait up to the tick timeout. All drop paths reset the
// bytes-since-emit counter so a dropped tick still advances the cadence.
func (s *Session) tick(ctx context.Context) ([]Event, error) {
	now := s.now()

	if s.cfg.DecimationWhenHot && s.hot() && !s.lastEmit.IsZero() &&
		now.Sub(s.lastEmit) < s.cfg.DecimationMinInterval {
		s.bytesSinceEmit = 0
		s.dropTick(DropDecimated)
		return []Event{{Type: EventDropped, Reason: DropDecimated}}, nil
	}

	wave := audio.PCM16ToFloat32(s.ctxBuf)
	p, err := s.sub.Submit(wave, s.cfg.SampleRate, sched.PriorityPartial)
	if err != nil {
		s.bytesSinceEmit = 0
		s.dropTick(DropQueueFull)
		return []Event{{Type: EventDropped, Reason: DropQueueFull, Err: err}}, nil
	}

	timer := time.NewTimer(s.cfg.TickTimeout)
	defer timer.Stop()
	select {
	case out := <-p.Out():
		if out.Err != nil {
			s.bytesSinceEmit = 0
			s.dropTick(DropInference)
			ev := []Event{{Type: EventDropped, Reason: DropInference, Err: out.Err}}
			if s.cfg.CloseOnInferenceError {
				return ev, out.Err
			}
			return ev, nil
		}
		done := s.now()
		s.lastEmit = done
		s.bytesSinceEmit = 0
		s.gate.ObservePartial(done)
		if s.metrics != nil {
			s.metrics.TickDuration.Record(ctx, done.Sub(now).Seconds())
		}
		if !s.cfg.InterimEnabled {
			return nil, nil
		}
		return []Event{{Type: EventPartial, Text: out.Text}}, nil
	case <-timer.C:
		// A missed deadline counts as an emit for cadence purposes; the
		// abandoned outcome is discarded by the one-shot handle.
		s.lastEmit = s.now()
		s.bytesSinceEmit = 0
		s.dropTick(DropTimeout)
		return []Event{{Type: EventDropped, Reason: DropTimeout}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hot reports whether the scheduler queue is above the hot fraction.
func (s *Session) hot() bool {
	capacity := s.sub.QueueCap()
	if capacity == 0 {
		return false
	}
	return float64(s.sub.QueueLen())/float64(capacity) >= s.cfg.HotQueueFraction
}

// maybeCut evaluates the segmentation policy on full_buf and, when a trigger
// fires, submits the segment at priority 0 and retains the overlap tail.
func (s *Session) maybeCut() []Event {
	sinceSeg := len(s.fullBuf)
	now := s.now()

	var trigger CutTrigger
	switch {
	case sinceSeg >= s.segLenBytes:
		trigger = CutLength
	case sinceSeg >= s.segMinBytes:
		tail := s.vadTailBytes
		if tail > sinceSeg {
			tail = sinceSeg
		}
		if audio.EnergyPCM16(s.fullBuf[sinceSeg-tail:]) < s.cfg.VADEnergyThreshold {
			s.gate.ObserveVADOff(now)
			trigger = CutSilence
		} else if s.gate.SilenceObserved() && s.gate.ShouldFlush(now) {
			// Retries a cut that was skipped on a full queue. Without VAD
			// evidence the gate is not consulted: its decoder-quiet signal
			// also goes stale when ticks are shed, and a loud buffer must
			// never be cut on that alone.
			trigger = CutSilence
		}
	}
	if trigger == "" {
		return nil
	}
	return s.cut(trigger)
}

// cut submits the current segment as a final and rolls full_buf over to the
// overlap tail. On a full queue the cut is skipped entirely: the buffer keeps
// growing and the next tick retries, which is the desired backpressure.
func (s *Session) cut(trigger CutTrigger) []Event {
	wave := audio.PCM16ToFloat32(s.fullBuf)
	p, err := s.sub.Submit(wave, s.cfg.SampleRate, sched.PriorityFinal)
	if err != nil {
		return nil
	}
	s.pending = append(s.pending, pendingSegment{pending: p, idx: s.segIdx, submittedAt: s.now()})
	s.segIdx++

	keep := s.segOverlapBytes
	if keep > len(s.fullBuf) {
		keep = len(s.fullBuf)
	}
	s.fullBuf = append(s.fullBuf[:0], s.fullBuf[len(s.fullBuf)-keep:]...)
	s.gate.Reset()

	if s.metrics != nil {
		s.metrics.SegmentsCut.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("trigger", string(trigger))))
	}
	return nil
}

// drainPending emits finals for completed segments in cut order, stopping at
// the first one still in flight.
func (s *Session) drainPending() []Event {
	var events []Event
	for len(s.pending) > 0 {
		ps := s.pending[0]
		select {
		case out := <-ps.pending.Out():
			s.pending = s.pending[1:]
			events = append(events, s.finalEvent(ps, out))
		default:
			return events
		}
	}
	return events
}

// finalEvent translates a resolved segment outcome into an event and records
// its latency.
func (s *Session) finalEvent(ps pendingSegment, out sched.Outcome) Event {
	if s.metrics != nil {
		s.metrics.FinalDuration.Record(context.Background(), s.now().Sub(ps.submittedAt).Seconds())
	}
	if out.Err != nil {
		return Event{Type: EventError, Segment: ps.idx, Err: out.Err}
	}
	return Event{Type: EventFinal, Segment: ps.idx, Text: out.Text}
}

// Flush runs the terminal flush: the residual tail is submitted at priority 0,
// earlier pending segments are awaited in cut order, then the tail final is
// emitted last. Safe to call more than once; later calls are no-ops.
func (s *Session) Flush(ctx context.Context) ([]Event, error) {
	if s.finalized {
		return nil, nil
	}
	s.finalized = true

	var events []Event

	// Submit the tail first so it queues behind the already-pending
	// segments, then await everything in cut order.
	var tail *pendingSegment
	if len(s.fullBuf) > 0 {
		wave := audio.PCM16ToFloat32(s.fullBuf)
		p, err := s.sub.Submit(wave, s.cfg.SampleRate, sched.PriorityFinal)
		if err != nil {
			events = append(events, Event{Type: EventError, Segment: s.segIdx, Err: err})
		} else {
			tail = &pendingSegment{pending: p, idx: s.segIdx, submittedAt: s.now()}
			s.segIdx++
			if s.metrics != nil {
				s.metrics.SegmentsCut.Add(ctx, 1,
					metric.WithAttributes(attribute.String("trigger", string(CutEOS))))
			}
		}
		s.fullBuf = nil
	}

	wait := func(ps pendingSegment) {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.FinalsTimeout)
		defer cancel()
		out, err := ps.pending.Wait(wctx)
		if err != nil {
			events = append(events, Event{Type: EventError, Segment: ps.idx, Err: err})
			return
		}
		events = append(events, s.finalEvent(ps, out))
	}

	for _, ps := range s.pending {
		wait(ps)
	}
	s.pending = nil
	if tail != nil {
		wait(*tail)
	}
	return events, ctx.Err()
}

// dropTick records a dropped-tick metric.
func (s *Session) dropTick(reason DropReason) {
	if s.metrics != nil {
		s.metrics.TicksDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}
