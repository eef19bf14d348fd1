// Package mocksynth is a deterministic test double for synth.Synthesizer:
// it produces a fixed-frequency sine tone whose duration is proportional to
// the phoneme string length, so tests can assert on timing and chunking
// behavior without a real model.
package mocksynth

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/synth"
)

// Synth is a sine-tone Synthesizer. One artificial latency applies to every
// session; each session id can be given its own injected failure via
// FailSession, to exercise the scheduler's fallback behavior.
type Synth struct {
	Format_     coretypes.AudioFormat
	ToneHz      float64
	MsPerChar   int           // synthesized audio duration per input character
	Latency     time.Duration // artificial per-call delay, simulating inference time
	FailSession map[coretypes.SessionID]error
}

// New returns a Synth with sensible defaults: 220Hz tone, 24kHz mono 16-bit,
// 60ms of audio per phoneme character, no artificial latency.
func New() *Synth {
	return &Synth{
		Format_:   coretypes.DefaultAudioFormat(),
		ToneHz:    220,
		MsPerChar: 60,
		Latency:   0,
	}
}

func (s *Synth) Format() coretypes.AudioFormat { return s.Format_ }

func (s *Synth) Warmup(ctx context.Context, sessionID coretypes.SessionID) error {
	return s.delayOrFail(ctx, sessionID)
}

// Synthesize returns sampleCount samples of a sine tone, where sampleCount
// is derived from len(phonemes) * MsPerChar, at the configured format.
func (s *Synth) Synthesize(ctx context.Context, sessionID coretypes.SessionID, phonemes string, cfg coretypes.UtteranceConfig) ([]byte, error) {
	if err := s.delayOrFail(ctx, sessionID); err != nil {
		return nil, err
	}

	durationMs := len(phonemes) * s.MsPerChar
	if durationMs == 0 {
		durationMs = s.MsPerChar
	}
	sampleCount := (s.Format_.SampleRate * durationMs) / 1000

	buf := make([]byte, sampleCount*2)
	for i := 0; i < sampleCount; i++ {
		t := float64(i) / float64(s.Format_.SampleRate)
		v := int16(10000 * math.Sin(2*math.Pi*s.ToneHz*t))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf, nil
}

func (s *Synth) delayOrFail(ctx context.Context, sessionID coretypes.SessionID) error {
	if s.FailSession != nil {
		if err := s.FailSession[sessionID]; err != nil {
			return err
		}
	}
	if s.Latency == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.Latency):
		return nil
	}
}

// Probe reports every session as available; mocksynth never models hardware
// absence.
type Probe struct{}

func (Probe) Probe(sessionID coretypes.SessionID) synth.HardwareCapability {
	return synth.HardwareCapability{Available: true}
}
