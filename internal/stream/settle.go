package stream

import (
	"context"
	"sync"
	"time"
)

// settlePollInterval is the granularity at which WaitForSettle re-evaluates
// the flush decision.
const settlePollInterval = 10 * time.Millisecond

// Default settle gate parameters.
const (
	DefaultTargetEOS   = 220 * time.Millisecond
	DefaultQuiet       = 140 * time.Millisecond
	DefaultVADHangover = 160 * time.Millisecond
)

// SettleConfig holds the end-of-utterance detector parameters.
type SettleConfig struct {
	// TargetEOS is the total end-of-utterance budget the gate aims for.
	TargetEOS time.Duration

	// Quiet is the observed-silence duration after which the utterance is
	// considered over.
	Quiet time.Duration

	// VADHangover is how long a voice-activity-off signal keeps counting
	// as evidence after the detector last fired.
	VADHangover time.Duration
}

// withDefaults fills zero fields with the package defaults.
func (c SettleConfig) withDefaults() SettleConfig {
	if c.TargetEOS == 0 {
		c.TargetEOS = DefaultTargetEOS
	}
	if c.Quiet == 0 {
		c.Quiet = DefaultQuiet
	}
	if c.VADHangover == 0 {
		c.VADHangover = DefaultVADHangover
	}
	return c
}

// SettleGate decides when enough silence and decoder quiet has accumulated
// to declare an utterance over, without a fixed trailing-padding budget.
// Fixed padding either overshoots (latency) or undershoots (truncating the
// last word); the gate instead combines two signals (time since the VAD
// last saw speech, time since the decoder last produced a partial) and
// flushes on whichever clears the quiet threshold first. An explicit
// end-of-sentence word halves the required quiet.
//
// All methods are safe for concurrent use.
type SettleGate struct {
	cfg SettleConfig

	mu            sync.Mutex
	vadOffSince   time.Time // zero when voice activity is (or was last) on
	lastPartialAt time.Time
	hasEndWord    bool
}

// NewSettleGate creates a gate with the given configuration. Zero fields
// take the package defaults (220/140/160 ms).
func NewSettleGate(cfg SettleConfig) *SettleGate {
	return &SettleGate{cfg: cfg.withDefaults()}
}

// ObservePartial records a partial or word event at t. Any accumulated
// silence evidence is discarded: the decoder is still producing.
func (g *SettleGate) ObservePartial(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPartialAt = t
	g.vadOffSince = time.Time{}
}

// ObserveVADOff records that voice activity was absent at t. The first
// observation after speech starts the silence clock; repeats keep the
// original start.
func (g *SettleGate) ObserveVADOff(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vadOffSince.IsZero() {
		g.vadOffSince = t
	}
}

// ObserveEndWord records an explicit end-of-sentence word event at t. It
// also starts the silence clock if it is not already running.
func (g *SettleGate) ObserveEndWord(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasEndWord = true
	if g.vadOffSince.IsZero() {
		g.vadOffSince = t
	}
}

// Reset clears all accumulated state, e.g. after a segment cut.
func (g *SettleGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vadOffSince = time.Time{}
	g.lastPartialAt = time.Time{}
	g.hasEndWord = false
}

// ObservedSilence returns the stronger of the two quiet signals at now:
// elapsed time since the VAD went off and elapsed time since the last
// partial. A signal that never fired contributes zero.
func (g *SettleGate) ObservedSilence(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.observedSilenceLocked(now)
}

func (g *SettleGate) observedSilenceLocked(now time.Time) time.Duration {
	var sinceVAD, sincePartial time.Duration
	if !g.vadOffSince.IsZero() {
		sinceVAD = now.Sub(g.vadOffSince)
	}
	if !g.lastPartialAt.IsZero() {
		sincePartial = now.Sub(g.lastPartialAt)
	}
	if sinceVAD > sincePartial {
		return sinceVAD
	}
	return sincePartial
}

// SilenceObserved reports whether hard silence evidence exists, meaning the
// VAD went off or an end word was seen. Decoder quiet alone does not count:
// partials also stop when ticks are shed or time out, which says nothing
// about the audio.
func (g *SettleGate) SilenceObserved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.vadOffSince.IsZero()
}

// ShouldFlush reports whether the utterance should be finalized at now.
// True when observed silence reaches the quiet threshold, or half of it
// after an explicit end word (bounded below by 80 ms).
func (g *SettleGate) ShouldFlush(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	silence := g.observedSilenceLocked(now)
	if silence >= g.cfg.Quiet {
		return true
	}
	if g.hasEndWord {
		half := g.cfg.Quiet / 2
		if half < 80*time.Millisecond {
			half = 80 * time.Millisecond
		}
		return silence >= half
	}
	return false
}

// WaitForSettle polls ShouldFlush every 10 ms until it reports true, maxWait
// elapses, or ctx is done. It returns true only when the gate fired.
func (g *SettleGate) WaitForSettle(ctx context.Context, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		if g.ShouldFlush(now) {
			return true
		}
		if !now.Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
