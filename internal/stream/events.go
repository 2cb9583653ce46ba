// Package stream implements the per-session streaming state machine that
// turns a chunked PCM ingress stream into partial-tick and final-segment
// submissions, plus the settle gate used for eager end-of-utterance
// finalization.
//
// A Session owns two buffers: a bounded rolling context (ctx) that feeds
// low-latency partial ticks, and an unbounded-within-segment full buffer
// that accumulates audio until a segmentation cut produces a final. Wire
// adapters drive the session from their read loop and translate the
// returned events into frames; the session is the only component that talks
// to the scheduler.
package stream

// EventType enumerates the observable outcomes of a Push or Flush call.
type EventType int

const (
	// EventPartial is an interim transcript for the rolling context.
	EventPartial EventType = iota

	// EventFinal is an authoritative transcript for a completed segment.
	EventFinal

	// EventDropped marks a partial tick that produced no wire frame.
	EventDropped

	// EventError reports a failed final segment. Errors never cross
	// session boundaries; the session keeps running unless configured
	// otherwise.
	EventError
)

// DropReason explains why a tick produced no transcript.
type DropReason string

const (
	// DropDecimated: the queue was hot and the minimum emit interval had
	// not elapsed.
	DropDecimated DropReason = "decimated"

	// DropTimeout: the tick missed its deadline.
	DropTimeout DropReason = "timeout"

	// DropQueueFull: the scheduler refused the submission.
	DropQueueFull DropReason = "queue_full"

	// DropInference: the worker failed the batch carrying this tick.
	DropInference DropReason = "inference"
)

// CutTrigger identifies what caused a segment cut.
type CutTrigger string

const (
	// CutSilence: the tail energy fell below the VAD threshold (or the
	// settle gate fired) after the minimum segment length.
	CutSilence CutTrigger = "silence"

	// CutLength: the hard maximum segment length was reached.
	CutLength CutTrigger = "length"

	// CutEOS: the residual tail was flushed at end of stream.
	CutEOS CutTrigger = "eos"
)

// Event is one observable outcome. The Type discriminates which fields are
// meaningful: Text for partials and finals, Segment for finals and errors,
// Reason for drops, Err for errors.
type Event struct {
	Type    EventType
	Text    string
	Segment int
	Reason  DropReason
	Err     error
}
