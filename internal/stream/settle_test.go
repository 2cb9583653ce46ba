package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/parakeetd/internal/stream"
)

func TestSettleQuietThreshold(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 140 * time.Millisecond})
	t0 := time.Now()

	g.ObserveVADOff(t0)
	if g.ShouldFlush(t0.Add(139 * time.Millisecond)) {
		t.Error("gate fired before the quiet threshold")
	}
	if !g.ShouldFlush(t0.Add(140 * time.Millisecond)) {
		t.Error("gate did not fire at the quiet threshold")
	}
}

func TestSettlePartialClearsSilence(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 100 * time.Millisecond})
	t0 := time.Now()

	g.ObserveVADOff(t0)
	g.ObservePartial(t0.Add(90 * time.Millisecond))

	// The old silence evidence is gone; only elapsed time since the partial
	// counts now.
	if g.ShouldFlush(t0.Add(150 * time.Millisecond)) {
		t.Error("gate fired on stale silence evidence")
	}
	if !g.ShouldFlush(t0.Add(190 * time.Millisecond)) {
		t.Error("gate did not fire once the decoder went quiet")
	}
}

func TestSettleVADOffKeepsFirstObservation(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 100 * time.Millisecond})
	t0 := time.Now()

	g.ObserveVADOff(t0)
	g.ObserveVADOff(t0.Add(80 * time.Millisecond))

	if got := g.ObservedSilence(t0.Add(90 * time.Millisecond)); got != 90*time.Millisecond {
		t.Errorf("observed silence = %v, want 90ms from the first observation", got)
	}
}

func TestSettleEndWordHalvesQuiet(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 200 * time.Millisecond})
	t0 := time.Now()

	g.ObserveEndWord(t0)
	if g.ShouldFlush(t0.Add(99 * time.Millisecond)) {
		t.Error("gate fired before the halved threshold")
	}
	if !g.ShouldFlush(t0.Add(100 * time.Millisecond)) {
		t.Error("gate did not fire at the halved threshold")
	}
}

func TestSettleEndWordFloorAt80ms(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 100 * time.Millisecond})
	t0 := time.Now()

	g.ObserveEndWord(t0)
	if g.ShouldFlush(t0.Add(79 * time.Millisecond)) {
		t.Error("gate fired below the 80ms floor")
	}
	if !g.ShouldFlush(t0.Add(80 * time.Millisecond)) {
		t.Error("gate did not fire at the 80ms floor")
	}
}

func TestSettleObservedSilenceTakesStrongerSignal(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{})
	t0 := time.Now()

	g.ObservePartial(t0)
	g.ObserveVADOff(t0.Add(50 * time.Millisecond))

	// Since-partial is the older, stronger signal here.
	if got := g.ObservedSilence(t0.Add(120 * time.Millisecond)); got != 120*time.Millisecond {
		t.Errorf("observed silence = %v, want 120ms", got)
	}
}

func TestSettleSilenceObservedRequiresVADOrEndWord(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 50 * time.Millisecond})
	t0 := time.Now()

	// A stale partial is not silence evidence: partials also stop when ticks
	// are shed or time out.
	g.ObservePartial(t0)
	if g.SilenceObserved() {
		t.Error("decoder quiet alone counted as silence evidence")
	}

	g.ObserveVADOff(t0.Add(100 * time.Millisecond))
	if !g.SilenceObserved() {
		t.Error("VAD-off observation not reported as silence evidence")
	}

	g.Reset()
	if g.SilenceObserved() {
		t.Error("silence evidence survived a reset")
	}

	g.ObserveEndWord(t0.Add(200 * time.Millisecond))
	if !g.SilenceObserved() {
		t.Error("end word not reported as silence evidence")
	}
}

func TestSettleReset(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 50 * time.Millisecond})
	t0 := time.Now()

	g.ObserveEndWord(t0)
	g.Reset()

	if g.ShouldFlush(t0.Add(time.Second)) {
		t.Error("gate fired after reset with no new evidence")
	}
	if got := g.ObservedSilence(t0.Add(time.Second)); got != 0 {
		t.Errorf("observed silence after reset = %v, want 0", got)
	}
}

func TestSettleWaitForSettle(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{Quiet: 30 * time.Millisecond})
	g.ObserveVADOff(time.Now().Add(-time.Second))

	if !g.WaitForSettle(context.Background(), 500*time.Millisecond) {
		t.Error("wait did not observe an already-settled gate")
	}

	empty := stream.NewSettleGate(stream.SettleConfig{})
	start := time.Now()
	if empty.WaitForSettle(context.Background(), 40*time.Millisecond) {
		t.Error("wait fired with no evidence")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("wait returned after %v, before the deadline", elapsed)
	}
}

func TestSettleWaitForSettleRespectsContext(t *testing.T) {
	t.Parallel()
	g := stream.NewSettleGate(stream.SettleConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if g.WaitForSettle(ctx, time.Minute) {
		t.Error("wait fired despite cancelled context")
	}
}
