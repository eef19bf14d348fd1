package onnxsynth

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/synth"
)

// ModelConfig names the on-disk vocoder model and its input/output tensor
// names, shared across all three sessions (they run the same model under
// different execution providers).
type ModelConfig struct {
	Path          string
	InputNames    []string // phoneme ids, then lengths
	OutputNames   []string // single float32 waveform output
	SharedLibrary string   // ONNX Runtime .so/.dylib/.dll override
	SampleRate    int
	LexiconPath   string
}

// Synth is the real ONNX Runtime-backed synth.Synthesizer. It opens one
// session per coretypes.SessionID at construction time, each configured
// for the execution provider its variant implies.
type Synth struct {
	format   coretypes.AudioFormat
	sessions map[coretypes.SessionID]*session
	vocab    phonemeVocab
}

var _ synth.Synthesizer = (*Synth)(nil)
var _ synth.HardwareProbe = (*Synth)(nil)

// New opens the vocoder model once per session id under its execution
// provider. A session whose provider cannot be constructed is recorded as
// unavailable rather than failing New outright, so the lifecycle manager
// can still warm the remaining sessions.
func New(cfg ModelConfig) (*Synth, error) {
	if err := ensureEnvironment(cfg.SharedLibrary); err != nil {
		return nil, fmt.Errorf("onnxsynth: initialize ONNX Runtime environment: %w", err)
	}

	vocab, err := loadPhonemeVocab(cfg.LexiconPath)
	if err != nil {
		return nil, fmt.Errorf("onnxsynth: load phoneme vocabulary: %w", err)
	}

	s := &Synth{
		format:   coretypes.AudioFormat{SampleRate: cfg.SampleRate, Channels: 1, BitDepth: 16},
		sessions: make(map[coretypes.SessionID]*session, 3),
		vocab:    vocab,
	}

	for _, id := range []coretypes.SessionID{coretypes.SessionANE, coretypes.SessionGPU, coretypes.SessionCPU} {
		sess, err := newSession(variantFor(id), cfg.Path, cfg.InputNames, cfg.OutputNames)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("onnxsynth: %s: %w", id, err)
		}
		s.sessions[id] = sess
	}
	return s, nil
}

// Format reports the PCM layout the vocoder produces.
func (s *Synth) Format() coretypes.AudioFormat { return s.format }

// Probe reports whether sessionID's execution provider was successfully
// constructed on this host.
func (s *Synth) Probe(sessionID coretypes.SessionID) synth.HardwareCapability {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return synth.HardwareCapability{Available: false, Reason: "unknown session id"}
	}
	return synth.HardwareCapability{Available: sess.cap.available, Reason: sess.cap.reason}
}

// Warmup runs one throwaway inference call on sessionID with a short fixed
// phoneme sequence, to pay down first-call JIT/allocator costs before the
// pool marks the session Ready.
func (s *Synth) Warmup(ctx context.Context, sessionID coretypes.SessionID) error {
	_, err := s.Synthesize(ctx, sessionID, "h @ l oU", coretypes.UtteranceConfig{Speed: 1.0})
	return err
}

// Synthesize runs phonemes through sessionID's vocoder and returns 16-bit
// mono PCM at s.Format().SampleRate.
func (s *Synth) Synthesize(ctx context.Context, sessionID coretypes.SessionID, phonemes string, cfg coretypes.UtteranceConfig) ([]byte, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.cap.available {
		return nil, fmt.Errorf("onnxsynth: session %s is not available", sessionID)
	}

	ids := s.vocab.encode(phonemes)
	if len(ids) == 0 {
		return nil, fmt.Errorf("onnxsynth: empty phoneme sequence")
	}

	inputShape := ort.NewShape(1, int64(len(ids)))
	inputTensor, err := ort.NewTensor(inputShape, ids)
	if err != nil {
		return nil, fmt.Errorf("onnxsynth: create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	lengthTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(len(ids))})
	if err != nil {
		return nil, fmt.Errorf("onnxsynth: create length tensor: %w", err)
	}
	defer lengthTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := sess.run([]ort.Value{inputTensor, lengthTensor}, outputs); err != nil {
		return nil, fmt.Errorf("onnxsynth: run: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	waveform, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnxsynth: unexpected output tensor type")
	}
	return floatsToPCM16(waveform.GetData(), cfg.Speed), nil
}

// Close releases every session's native resources. Safe to call on a
// partially-constructed Synth.
func (s *Synth) Close() {
	for _, sess := range s.sessions {
		if sess != nil {
			sess.close()
		}
	}
}

// floatsToPCM16 clamps and quantizes a float32 waveform in [-1, 1] into
// little-endian signed 16-bit PCM. Any positive speed other than 1.0 is
// applied as naive
// sample-rate resampling by stride, matching the scope of a vocoder
// adapter rather than a full resampling pipeline.
func floatsToPCM16(samples []float32, speed float64) []byte {
	if speed <= 0 {
		speed = 1.0
	}
	stride := speed
	out := make([]byte, 0, int(float64(len(samples))/stride)*2)
	buf := make([]byte, 2)
	for pos := 0.0; int(pos) < len(samples); pos += stride {
		v := samples[int(pos)]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf, uint16(int16(v*math.MaxInt16)))
		out = append(out, buf...)
	}
	return out
}
