package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/metrics"
	"github.com/localvoice/synthd/internal/pool"
	"github.com/localvoice/synthd/internal/scheduler/primercache"
	"github.com/localvoice/synthd/internal/selector"
	"github.com/localvoice/synthd/internal/synth/mocksynth"
)

// concurrencyTrackingSynth wraps mocksynth.Synth to record the maximum
// number of Synthesize calls observed in flight simultaneously.
type concurrencyTrackingSynth struct {
	*mocksynth.Synth
	current int32
	max     int32
}

func (c *concurrencyTrackingSynth) Synthesize(ctx context.Context, sessionID coretypes.SessionID, phonemes string, cfg coretypes.UtteranceConfig) ([]byte, error) {
	n := atomic.AddInt32(&c.current, 1)
	for {
		old := atomic.LoadInt32(&c.max)
		if n <= old || atomic.CompareAndSwapInt32(&c.max, old, n) {
			break
		}
	}
	pcm, err := c.Synth.Synthesize(ctx, sessionID, phonemes, cfg)
	atomic.AddInt32(&c.current, -1)
	return pcm, err
}

type identityG2P struct{}

func (identityG2P) ToPhonemes(ctx context.Context, text string, lang string) (string, error) {
	return text, nil
}

func readyPool() *pool.Pool {
	p := pool.New(pool.DefaultHealthConfig())
	p.SetState(coretypes.SessionANE, coretypes.SessionReady)
	p.SetState(coretypes.SessionGPU, coretypes.SessionReady)
	p.SetState(coretypes.SessionCPU, coretypes.SessionReady)
	return p
}

func testDeps() Deps {
	return Deps{
		Pool:      readyPool(),
		G2P:       identityG2P{},
		Synth:     mocksynth.New(),
		Primer:    primercache.New(8),
		CrossFade: DefaultCrossFadeConfig(),
		SelectCfg: selector.DefaultConfig(),
	}
}

func utteranceWithSegments(texts ...string) coretypes.Utterance {
	segs := make([]coretypes.Segment, len(texts))
	for i, t := range texts {
		segs[i] = coretypes.Segment{ID: uint32(i), Text: t, CharLen: len(t)}
	}
	return coretypes.Utterance{
		ID:       "utt-1",
		Config:   coretypes.UtteranceConfig{Voice: "default", Lang: "en", Speed: 1.0, Format: coretypes.DefaultAudioFormat()},
		Segments: segs,
	}
}

func drain(t *testing.T, s *Scheduler, utt coretypes.Utterance) ([]coretypes.Chunk, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, utt) }()

	var chunks []coretypes.Chunk
	for c := range s.Out() {
		chunks = append(chunks, c)
	}
	return chunks, <-errCh
}

func TestEmitsHeaderAndSilencePrimerFirst(t *testing.T) {
	s := New(testDeps())
	chunks, err := drain(t, s, utteranceWithSegments("hello there"))
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected at least header and primer chunks, got %d", len(chunks))
	}
	if chunks[0].Seq != 0 || chunks[1].Seq != 1 {
		t.Fatalf("expected header and primer as seq 0 and 1, got %d, %d", chunks[0].Seq, chunks[1].Seq)
	}
}

func TestSeqIsMonotonicAcrossWholeUtterance(t *testing.T) {
	s := New(testDeps())
	chunks, err := drain(t, s, utteranceWithSegments("first segment text", "second segment text"))
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Seq != chunks[i-1].Seq+1 {
			t.Fatalf("seq not monotonic at index %d: %d -> %d", i, chunks[i-1].Seq, chunks[i].Seq)
		}
	}
}

func TestLastChunkMarksEndOfUtterance(t *testing.T) {
	s := New(testDeps())
	chunks, err := drain(t, s, utteranceWithSegments("only segment"))
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	last := chunks[len(chunks)-1]
	if !last.IsLastOfUtterance {
		t.Fatal("expected final chunk to be marked IsLastOfUtterance")
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.IsLastOfUtterance {
			t.Fatal("only the final chunk should be marked IsLastOfUtterance")
		}
	}
}

func TestEmptyUtteranceProducesNoChunks(t *testing.T) {
	s := New(testDeps())
	chunks, err := drain(t, s, coretypes.Utterance{ID: "empty"})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for an empty utterance, got %d", len(chunks))
	}
}

func TestInferenceRetriesOnceOnNextSessionAfterFailure(t *testing.T) {
	deps := testDeps()
	p := deps.Pool
	flaky := mocksynth.New()
	flaky.FailSession = map[coretypes.SessionID]error{
		coretypes.SessionANE: context.DeadlineExceeded,
	}
	deps.Synth = flaky

	s := New(deps)
	chunks, err := drain(t, s, utteranceWithSegments("short"))
	if err != nil {
		t.Fatalf("Run error = %v, want the retry on GPU/CPU to succeed", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks from the retried session")
	}
	if got := p.State(coretypes.SessionANE); got != coretypes.SessionDegraded {
		t.Fatalf("ANE state = %v, want degraded after its one failure", got)
	}
}

func TestDualSessionPrefetchRunsTwoInferencesConcurrently(t *testing.T) {
	inner := mocksynth.New()
	inner.Latency = 30 * time.Millisecond
	tracker := &concurrencyTrackingSynth{Synth: inner}

	deps := testDeps()
	deps.Synth = tracker

	s := New(deps)
	_, err := drain(t, s, utteranceWithSegments("segment one text", "segment two text"))
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if got := atomic.LoadInt32(&tracker.max); got < 2 {
		t.Fatalf("max concurrent inferences = %d, want at least 2 with two non-CPU sessions Ready", got)
	}
}

func TestDegradeGateDisablesDualSessionPrefetch(t *testing.T) {
	inner := mocksynth.New()
	inner.Latency = 30 * time.Millisecond
	tracker := &concurrencyTrackingSynth{Synth: inner}

	deps := testDeps()
	deps.Synth = tracker
	window := metrics.NewWindow(metrics.GateConfig{WindowSize: 1, TargetTTFA: time.Millisecond, DegradeFactor: 1})
	window.Record(metrics.UtteranceSample{TTFA: time.Second})
	deps.Gate = window

	s := New(deps)
	_, err := drain(t, s, utteranceWithSegments("segment one text", "segment two text"))
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if got := atomic.LoadInt32(&tracker.max); got > 1 {
		t.Fatalf("max concurrent inferences = %d, want 1 with prefetch disabled by the gate", got)
	}
}

func TestSynthesisFailureIsWrapped(t *testing.T) {
	deps := testDeps()
	failing := mocksynth.New()
	failing.FailSession = map[coretypes.SessionID]error{
		coretypes.SessionANE: context.DeadlineExceeded,
		coretypes.SessionGPU: context.DeadlineExceeded,
		coretypes.SessionCPU: context.DeadlineExceeded,
	}
	deps.Synth = failing

	s := New(deps)
	_, err := drain(t, s, utteranceWithSegments("short"))
	if err == nil {
		t.Fatal("expected an error when every session's synthesis fails")
	}
	if !errors.Is(err, coretypes.ErrSynthesisFailed) {
		t.Fatalf("error = %v, want wrapped ErrSynthesisFailed", err)
	}
}
