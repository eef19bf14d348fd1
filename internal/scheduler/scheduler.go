// Package scheduler implements the Synthesis Scheduler (C5): it drives an
// utterance's segments through a three-stage pipeline — text preparation,
// model inference, and egress — with a dual-session prefetch so the next
// segment starts inference while the current one is still being delivered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/localvoice/synthd/internal/chunkseq"
	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/metrics"
	"github.com/localvoice/synthd/internal/pool"
	"github.com/localvoice/synthd/internal/scheduler/primercache"
	"github.com/localvoice/synthd/internal/selector"
	"github.com/localvoice/synthd/internal/synth"
)

// ChunkSize is the egress slice size, in PCM bytes, that each synthesized
// segment is cut into before being tagged and delivered. Smaller slices
// lower time-to-first-audio for the earliest bytes of a segment at the cost
// of more chunk envelopes.
const ChunkSize = 4800 // 100ms at 24kHz mono 16-bit

// widePreBufferCap is the egress channel capacity used once the SLO gate
// asks the scheduler to widen its pre-buffer.
const widePreBufferCap = 8

// Deps bundles the collaborators the scheduler drives. All fields are
// required except Gate.
type Deps struct {
	Pool      *pool.Pool
	G2P       synth.G2P
	Synth     synth.Synthesizer
	Primer    *primercache.Cache
	CrossFade CrossFadeConfig
	SelectCfg selector.Config
	// Gate is the SLO-gate window C9 maintains. A nil Gate leaves
	// dual-session prefetch and the default pre-buffer permanently enabled.
	Gate *metrics.Window
}

// inferenceResult is one segment's completed (or failed) inference, handed
// from a Stage-B worker to the egress loop.
type inferenceResult struct {
	segment coretypes.Segment
	pcm     []byte
	err     error
}

// Scheduler runs one utterance's segments through synthesis and emits
// tagged chunks on Out. One Scheduler instance is scoped to one utterance.
type Scheduler struct {
	deps   Deps
	seq    *chunkseq.Sequencer
	format coretypes.AudioFormat

	out chan coretypes.Chunk

	mu       sync.Mutex
	previous coretypes.SessionID
	hasPrev  bool
	prevTail []byte
	inUse    map[coretypes.SessionID]bool
}

// New creates a scheduler for one utterance. If deps.Gate currently advises
// WidenPreBuffer, the egress channel is created with extra headroom.
func New(deps Deps) *Scheduler {
	outCap := 4
	if deps.Gate != nil && deps.Gate.Current().WidenPreBuffer {
		outCap = widePreBufferCap
	}
	return &Scheduler{
		deps:   deps,
		seq:    chunkseq.New(),
		format: deps.Synth.Format(),
		out:    make(chan coretypes.Chunk, outCap),
		inUse:  make(map[coretypes.SessionID]bool),
	}
}

// Out returns the channel of tagged chunks. It is closed when Run returns,
// whether by completion, cancellation, or error.
func (s *Scheduler) Out() <-chan coretypes.Chunk { return s.out }

// Run drives every segment of the utterance through the pipeline in order,
// writing tagged chunks to Out as they become ready. When the pool has two
// non-CPU Ready sessions and the SLO gate does not advise otherwise, two
// Stage-B workers run concurrently on distinct sessions: one processes
// segment n, the other prefetches segment n+1. Segment n+1's result is held
// in its own slot until segment n has been egressed, so Out still carries a
// strictly ordered stream. Run returns the first error encountered, or nil
// on a clean finish or ctx cancellation.
func (s *Scheduler) Run(ctx context.Context, utt coretypes.Utterance) error {
	defer close(s.out)

	if len(utt.Segments) == 0 {
		return nil
	}

	s.out <- s.seq.Tag(0, chunkseq.Header(s.format), false, false)
	s.out <- s.seq.Tag(0, chunkseq.SilencePrimer(s.format), false, false)

	results := make([]chan inferenceResult, len(utt.Segments))
	for i := range results {
		results[i] = make(chan inferenceResult, 1)
	}

	nextCtx, cancelNext := context.WithCancel(ctx)
	defer cancelNext()

	workerCount := 1
	if !s.gateState().DisablePrefetch && s.dualSessionReady() {
		workerCount = 2
	}

	var next int32 = -1
	for w := 0; w < workerCount; w++ {
		go s.inferWorker(nextCtx, utt, results, &next)
	}

	for i := range utt.Segments {
		select {
		case <-ctx.Done():
			return nil
		case res := <-results[i]:
			if res.err != nil {
				return fmt.Errorf("scheduler: segment %d: %w", res.segment.ID, res.err)
			}
			isLastSegment := i == len(utt.Segments)-1
			s.egress(res.segment, res.pcm, isLastSegment)
		}
	}
	return nil
}

// gateState reads the current SLO-gate advice, or the zero value (prefetch
// enabled, default pre-buffer) when no gate is wired in.
func (s *Scheduler) gateState() metrics.GateState {
	if s.deps.Gate == nil {
		return metrics.GateState{}
	}
	return s.deps.Gate.Current()
}

// dualSessionReady reports whether both non-CPU sessions (ANE and GPU) are
// Ready, the precondition for running a second Stage-B worker.
func (s *Scheduler) dualSessionReady() bool {
	nonCPU := 0
	for _, id := range s.deps.Pool.ReadySessions() {
		if id != coretypes.SessionCPU {
			nonCPU++
		}
	}
	return nonCPU >= 2
}

// inferWorker claims segments in ascending order from a shared counter and
// runs their inference. With two workers running, poolView's inUse
// exclusion keeps one worker's session choice from colliding with the
// other's, so at most two inferences are ever in flight and only on
// distinct sessions. Each result lands in its own per-segment channel,
// letting Run drain them back out in strict order regardless of which
// worker finishes first.
func (s *Scheduler) inferWorker(ctx context.Context, utt coretypes.Utterance, results []chan inferenceResult, next *int32) {
	for {
		idx := int(atomic.AddInt32(next, 1))
		if idx >= len(utt.Segments) {
			return
		}
		seg := utt.Segments[idx]
		pcm, err := s.synthesizeSegment(ctx, seg, utt.Config)
		select {
		case results[idx] <- inferenceResult{segment: seg, pcm: pcm, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) synthesizeSegment(ctx context.Context, seg coretypes.Segment, cfg coretypes.UtteranceConfig) ([]byte, error) {
	if seg.IsPrimer {
		key := fmt.Sprintf("%s|%s|%g|%s", cfg.Voice, cfg.Lang, cfg.Speed, seg.Text)
		return s.deps.Primer.GetOrSynthesize(key, func() ([]byte, error) {
			return s.runInference(ctx, seg, cfg)
		})
	}
	return s.runInference(ctx, seg, cfg)
}

// runInference selects a session and runs G2P + model inference. A
// Stage-B inference failure on the chosen session retries exactly once,
// on the next preferred session with the failed one excluded; a second
// failure fails the segment. Acquire and G2P failures are not retried —
// only a model-inference failure triggers the provider fallback.
func (s *Scheduler) runInference(ctx context.Context, seg coretypes.Segment, cfg coretypes.UtteranceConfig) ([]byte, error) {
	if s.deps.Pool.AllFailed() {
		return nil, &coretypes.NoSessionAvailableError{}
	}

	pcm, failedID, err := s.attemptInference(ctx, seg, cfg, nil)
	if err == nil {
		return pcm, nil
	}

	var synthErr *coretypes.SynthesisFailedError
	if !errors.As(err, &synthErr) {
		return nil, err
	}

	pcm, _, err = s.attemptInference(ctx, seg, cfg, []coretypes.SessionID{failedID})
	return pcm, err
}

// attemptInference runs one end-to-end inference attempt for seg, excluding
// the given session ids from selection. It returns the session actually
// used alongside the result so the caller can exclude it from a retry.
func (s *Scheduler) attemptInference(ctx context.Context, seg coretypes.Segment, cfg coretypes.UtteranceConfig, exclude []coretypes.SessionID) ([]byte, coretypes.SessionID, error) {
	view := s.poolView(exclude...)

	s.mu.Lock()
	prev, hasPrev := s.previous, s.hasPrev
	s.mu.Unlock()

	sessionID := selector.Select(seg.CharLen, view, s.deps.SelectCfg, prev, hasPrev)

	s.mu.Lock()
	s.inUse[sessionID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inUse, sessionID)
		s.mu.Unlock()
	}()

	guard, err := s.deps.Pool.Acquire(sessionID)
	if err != nil {
		return nil, sessionID, fmt.Errorf("scheduler: acquire session %v: %w", sessionID, err)
	}
	defer guard.Release()

	phonemes, err := s.deps.G2P.ToPhonemes(ctx, seg.Text, cfg.Lang)
	if err != nil {
		return nil, sessionID, fmt.Errorf("%w: %v", coretypes.ErrG2PFailed, err)
	}

	pcm, err := s.deps.Synth.Synthesize(ctx, sessionID, phonemes, cfg)
	if err != nil {
		s.deps.Pool.MarkFailedIncrement(sessionID)
		return nil, sessionID, &coretypes.SynthesisFailedError{SegmentID: seg.ID, Cause: err}
	}

	s.mu.Lock()
	s.previous, s.hasPrev = sessionID, true
	s.mu.Unlock()

	return pcm, sessionID, nil
}

// poolView snapshots Ready sessions into a selector.PoolView, excluding the
// given ids and any session another concurrent worker currently has
// claimed, so two workers never pick the same session.
func (s *Scheduler) poolView(exclude ...coretypes.SessionID) selector.PoolView {
	excluded := make(map[coretypes.SessionID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	view := selector.PoolView{Ready: make(map[coretypes.SessionID]bool)}
	s.mu.Lock()
	for _, id := range s.deps.Pool.ReadySessions() {
		if excluded[id] || s.inUse[id] {
			continue
		}
		view.Ready[id] = true
	}
	s.mu.Unlock()
	return view
}

// egress slices a synthesized segment's PCM into ChunkSize pieces, applies
// the cross-fade across the boundary with the previous segment's tail, and
// emits each piece as a tagged chunk.
func (s *Scheduler) egress(seg coretypes.Segment, pcm []byte, isLastSegment bool) {
	if len(pcm) == 0 {
		s.out <- s.seq.Tag(seg.ID, nil, true, isLastSegment)
		return
	}

	s.mu.Lock()
	prevTail := s.prevTail
	s.mu.Unlock()

	first := pcm
	if len(first) > ChunkSize {
		first = pcm[:ChunkSize]
	}
	first = ApplyCrossFade(prevTail, first, s.format.SampleRate, s.deps.CrossFade)

	offset := 0
	for offset < len(pcm) {
		end := offset + ChunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[offset:end]
		if offset == 0 {
			chunk = first
		}
		isLastOfSegment := end == len(pcm)
		s.out <- s.seq.Tag(seg.ID, chunk, isLastOfSegment, isLastOfSegment && isLastSegment)
		offset = end
	}

	tailStart := len(pcm) - ChunkSize
	if tailStart < 0 {
		tailStart = 0
	}
	s.mu.Lock()
	s.prevTail = append([]byte(nil), pcm[tailStart:]...)
	s.mu.Unlock()
}
