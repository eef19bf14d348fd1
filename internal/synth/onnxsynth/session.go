// Package onnxsynth is the real ONNX Runtime-backed implementation of
// synth.Synthesizer and synth.HardwareProbe. It models each of the three
// fixed session ids as a tagged variant over ONNX Runtime execution
// providers: Accelerator (CoreML restricted to the Neural Engine),
// CoProcessor (CoreML allowed to use CPU+GPU+ANE), and Generic (plain
// CPU, no execution provider appended).
package onnxsynth

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/localvoice/synthd/internal/coretypes"
)

// coremlFlagOnlyEnableDeviceWithANE restricts CoreML to the Apple Neural
// Engine only, refusing CPU/GPU fallback within the execution provider
// itself (from coreml_provider_factory.h).
const coremlFlagOnlyEnableDeviceWithANE uint32 = 0x004

// coremlFlagUseNone lets CoreML pick whatever device mix it judges best
// (CPU+GPU+ANE).
const coremlFlagUseNone uint32 = 0x000

// variant tags the three fixed session roles onto a uniform lifecycle.
type variant int

const (
	variantAccelerator variant = iota // coretypes.SessionANE
	variantCoProcessor                // coretypes.SessionGPU
	variantGeneric                    // coretypes.SessionCPU
)

func variantFor(id coretypes.SessionID) variant {
	switch id {
	case coretypes.SessionANE:
		return variantAccelerator
	case coretypes.SessionGPU:
		return variantCoProcessor
	default:
		return variantGeneric
	}
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func ensureEnvironment(sharedLibPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// session wraps one ONNX Runtime session plus the capability probe result
// that decided whether it was worth creating at all.
type session struct {
	mu      sync.Mutex
	variant variant
	dyn     *ort.DynamicAdvancedSession
	cap     capabilityResult
}

type capabilityResult struct {
	available bool
	reason    string
}

// newSession builds the execution-provider options for variant and opens
// the vocoder model. A provider that the host does not support is not a
// hard failure for CoProcessor/Generic: the session falls back to plain
// CPU, matching the source's "CoreML not available, using CPU" behavior.
// Accelerator is stricter: if CoreML-ANE-only cannot be appended, the
// session is reported unavailable rather than silently downgraded, since a
// silently-downgraded Accelerator session would defeat the selector's
// shortest-TTFA assumption.
func newSession(v variant, modelPath string, inputNames, outputNames []string) (*session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return &session{variant: v, cap: capabilityResult{available: false, reason: fmt.Sprintf("model file: %v", err)}}, nil
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxsynth: session options: %w", err)
	}
	defer options.Destroy()

	reason := ""
	switch v {
	case variantAccelerator:
		if err := options.AppendExecutionProviderCoreML(coremlFlagOnlyEnableDeviceWithANE); err != nil {
			return &session{variant: v, cap: capabilityResult{available: false, reason: fmt.Sprintf("coreml ANE unavailable: %v", err)}}, nil
		}
	case variantCoProcessor:
		if err := options.AppendExecutionProviderCoreML(coremlFlagUseNone); err != nil {
			reason = fmt.Sprintf("coreml GPU unavailable, falling back to CPU: %v", err)
		}
	case variantGeneric:
		// No execution provider appended: defaults to CPU.
	}

	dyn, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("onnxsynth: create session for %s model %s: %w", variantName(v), modelPath, err)
	}

	return &session{variant: v, dyn: dyn, cap: capabilityResult{available: true, reason: reason}}, nil
}

func variantName(v variant) string {
	switch v {
	case variantAccelerator:
		return "accelerator"
	case variantCoProcessor:
		return "coprocessor"
	default:
		return "generic"
	}
}

// run executes one inference call under the session's own lock; pool.Guard
// already ensures at most one inflight call per session id for callers
// that hold a guard; the lock here also serializes any call made without
// one.
func (s *session) run(inputs []ort.Value, outputs []ort.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dyn == nil {
		return fmt.Errorf("onnxsynth: %s session has no model loaded", variantName(s.variant))
	}
	return s.dyn.Run(inputs, outputs)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dyn != nil {
		s.dyn.Destroy()
		s.dyn = nil
	}
}
