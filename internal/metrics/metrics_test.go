package metrics

import (
	"testing"
	"time"
)

func TestRecordFirstChunkIsIdempotent(t *testing.T) {
	accepted := time.Now()
	f := NewInFlight(accepted)

	first := accepted.Add(100 * time.Millisecond)
	f.RecordFirstChunk(first)
	f.RecordFirstChunk(accepted.Add(900 * time.Millisecond)) // must be ignored

	s := f.Finish()
	if s.TTFA != 100*time.Millisecond {
		t.Fatalf("TTFA = %v, want 100ms (second call must not overwrite it)", s.TTFA)
	}
}

func TestTTFANeverReadsBackAsZeroOnceSet(t *testing.T) {
	accepted := time.Now()
	f := NewInFlight(accepted)
	f.RecordFirstChunk(accepted.Add(50 * time.Millisecond))

	s := f.Finish()
	if s.TTFA == 0 {
		t.Fatal("TTFA must not be zero once RecordFirstChunk has been called")
	}
}

func TestRTFComputation(t *testing.T) {
	accepted := time.Now()
	f := NewInFlight(accepted)
	f.RecordFirstChunk(accepted.Add(10 * time.Millisecond))
	f.RecordSynthesisWork(500 * time.Millisecond)
	f.RecordChunk(accepted.Add(1*time.Second), 1000) // 1000ms of audio produced

	s := f.Finish()
	if s.RTF != 0.5 {
		t.Fatalf("RTF = %v, want 0.5 (500ms synth / 1000ms audio)", s.RTF)
	}
}

func TestUnderrunsAreCounted(t *testing.T) {
	f := NewInFlight(time.Now())
	f.RecordUnderrun()
	f.RecordUnderrun()

	s := f.Finish()
	if s.Underruns != 2 {
		t.Fatalf("Underruns = %d, want 2", s.Underruns)
	}
}

func TestGateDegradesOnSlowTTFA(t *testing.T) {
	cfg := GateConfig{WindowSize: 3, TargetTTFA: 500 * time.Millisecond, DegradeFactor: 2.0}
	w := NewWindow(cfg)

	var gate GateState
	for i := 0; i < 3; i++ {
		gate = w.Record(UtteranceSample{TTFA: 1200 * time.Millisecond})
	}
	if !gate.Degraded || !gate.DisablePrefetch {
		t.Fatal("expected gate to degrade once p95 TTFA exceeds target*factor")
	}
}

func TestGateRestoresAfterFullWindowOfGoodSamples(t *testing.T) {
	cfg := GateConfig{WindowSize: 3, TargetTTFA: 500 * time.Millisecond, DegradeFactor: 2.0}
	w := NewWindow(cfg)

	for i := 0; i < 3; i++ {
		w.Record(UtteranceSample{TTFA: 1200 * time.Millisecond})
	}
	if !w.Current().Degraded {
		t.Fatal("expected gate to be degraded before restore samples")
	}

	var gate GateState
	for i := 0; i < 3; i++ {
		gate = w.Record(UtteranceSample{TTFA: 100 * time.Millisecond})
	}
	if gate.Degraded {
		t.Fatal("expected gate to restore after a full window of good samples")
	}
}

func TestGateStaysDegradedMidwayThroughRestoreWindow(t *testing.T) {
	cfg := GateConfig{WindowSize: 4, TargetTTFA: 500 * time.Millisecond, DegradeFactor: 2.0}
	w := NewWindow(cfg)

	for i := 0; i < 4; i++ {
		w.Record(UtteranceSample{TTFA: 1200 * time.Millisecond})
	}

	gate := w.Record(UtteranceSample{TTFA: 100 * time.Millisecond})
	if !gate.Degraded {
		t.Fatal("one good sample should not immediately clear degrade while slow samples remain in-window")
	}
}
