// Package metrics implements the Metrics & SLO Gates (C9): per-utterance
// TTFA/RTF/inter-chunk-gap/underrun tracking, and the sliding-window
// degrade/restore gate that advises the scheduler to widen its buffers and
// drop dual-session prefetch when latency drifts, then re-enables it once
// latency recovers.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// UtteranceSample is one utterance's completed measurement set.
type UtteranceSample struct {
	TTFA            time.Duration
	RTF             float64
	P95InterChunkMs float64
	Underruns       int
}

// GateConfig controls the sliding-window degrade/restore thresholds.
type GateConfig struct {
	WindowSize    int           // W, number of recent utterances considered
	TargetTTFA    time.Duration // default 500ms per the documented SLO
	DegradeFactor float64       // default 2.0 — degrade when p95 TTFA >= TargetTTFA * DegradeFactor
}

func DefaultGateConfig() GateConfig {
	return GateConfig{WindowSize: 20, TargetTTFA: 500 * time.Millisecond, DegradeFactor: 2.0}
}

// GateState is advisory output the scheduler consults before choosing
// whether to run dual-session prefetch on the next utterance.
type GateState struct {
	Degraded        bool
	DisablePrefetch bool
	WidenPreBuffer  bool
}

// InFlight tracks one utterance's measurements as they arrive, from accept
// to completion. TTFA is recorded exactly once, at the instant the first
// chunk leaves the sequencer — there is no separate reset path, which is
// the fix for a counter that could otherwise read back as zero.
type InFlight struct {
	mu         sync.Mutex
	acceptedAt time.Time
	ttfa       time.Duration
	ttfaSet    bool
	synthBusy  time.Duration
	audioMs    float64
	chunkTimes []time.Time
	underruns  int
}

// NewInFlight starts tracking an utterance accepted at acceptedAt.
func NewInFlight(acceptedAt time.Time) *InFlight {
	return &InFlight{acceptedAt: acceptedAt}
}

// RecordFirstChunk marks TTFA, the one time this may ever be called for an
// utterance. Subsequent calls are no-ops — this is what prevents the
// ttfa-reads-back-as-zero failure mode.
func (f *InFlight) RecordFirstChunk(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ttfaSet {
		return
	}
	f.ttfa = at.Sub(f.acceptedAt)
	f.ttfaSet = true
	f.chunkTimes = append(f.chunkTimes, at)
}

// RecordChunk records a later chunk's arrival time (for inter-chunk-gap
// percentiles) and the audio duration it carries.
func (f *InFlight) RecordChunk(at time.Time, audioDurationMs float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkTimes = append(f.chunkTimes, at)
	f.audioMs += audioDurationMs
}

// RecordSynthesisWork adds wall-clock time spent inside a synthesis call,
// for the RTF computation.
func (f *InFlight) RecordSynthesisWork(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthBusy += d
}

// RecordUnderrun increments the underrun counter reported by the daemon for
// this utterance's ring buffer.
func (f *InFlight) RecordUnderrun() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.underruns++
}

// Finish computes the final sample. audioMs must already reflect the total
// produced audio duration (accumulated via RecordChunk).
func (f *InFlight) Finish() UtteranceSample {
	f.mu.Lock()
	defer f.mu.Unlock()

	rtf := 0.0
	if f.audioMs > 0 {
		rtf = f.synthBusy.Seconds() / (f.audioMs / 1000)
	}

	gaps := interChunkGapsMs(f.chunkTimes)
	p95 := percentile(gaps, 0.95)

	return UtteranceSample{
		TTFA:            f.ttfa,
		RTF:             rtf,
		P95InterChunkMs: p95,
		Underruns:       f.underruns,
	}
}

func interChunkGapsMs(times []time.Time) []float64 {
	if len(times) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, float64(times[i].Sub(times[i-1]).Microseconds())/1000)
	}
	return gaps
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Window aggregates a sliding window of recent utterance samples and
// derives the degrade/restore gate state.
type Window struct {
	mu      sync.Mutex
	cfg     GateConfig
	samples []UtteranceSample
	gate    GateState
}

// NewWindow creates a sliding-window gate with the given configuration.
func NewWindow(cfg GateConfig) *Window {
	if cfg.WindowSize <= 0 {
		cfg = DefaultGateConfig()
	}
	return &Window{cfg: cfg}
}

// Record adds a completed utterance's sample and re-evaluates the gate.
// Degrade fires once p95 TTFA over the window exceeds TargetTTFA *
// DegradeFactor; restore fires once p95 TTFA has been back under target for
// a full window's worth of consecutive utterances.
func (w *Window) Record(s UtteranceSample) GateState {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > w.cfg.WindowSize {
		w.samples = w.samples[len(w.samples)-w.cfg.WindowSize:]
	}

	p95TTFA := percentileDuration(w.samples, 0.95)
	threshold := time.Duration(float64(w.cfg.TargetTTFA) * w.cfg.DegradeFactor)

	switch {
	case p95TTFA >= threshold:
		w.gate = GateState{Degraded: true, DisablePrefetch: true, WidenPreBuffer: true}
	case p95TTFA <= w.cfg.TargetTTFA && len(w.samples) >= w.cfg.WindowSize:
		w.gate = GateState{}
	}
	return w.gate
}

// Current returns the gate's last-evaluated state without recording a new
// sample.
func (w *Window) Current() GateState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gate
}

func percentileDuration(samples []UtteranceSample, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s.TTFA)
	}
	return time.Duration(percentile(values, p))
}
