// Package synth defines the opaque boundaries the rest of the engine talks
// to: text-to-phoneme conversion, the actual model inference call, and a
// hardware capability probe used once at startup to decide which sessions
// are worth warming at all. Concrete adapters live in sibling packages
// (mocksynth for tests, onnxsynth for the real ONNX Runtime backend) — only
// the engine's composition root and tests import those adapters directly;
// every other package uses these interfaces.
package synth

import (
	"context"

	"github.com/localvoice/synthd/internal/coretypes"
)

// G2P converts normalized text into the phoneme/token sequence the model
// consumes. Implementations must be safe for concurrent use: the scheduler
// may call G2P for two segments on two different sessions at once.
type G2P interface {
	ToPhonemes(ctx context.Context, text string, lang string) (string, error)
}

// Synthesizer runs one segment of phonemized text through a model session
// and returns its full PCM payload. One call always targets exactly one
// session id; the scheduler is responsible for session selection and
// acquisition via the pool, not this interface.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID coretypes.SessionID, phonemes string, cfg coretypes.UtteranceConfig) ([]byte, error)

	// Warmup runs a cheap throwaway inference on sessionID to pay down the
	// first-call latency penalty (JIT/kernel caches, allocator warmup)
	// before the session is marked Ready.
	Warmup(ctx context.Context, sessionID coretypes.SessionID) error

	// Format reports the PCM layout this synthesizer produces.
	Format() coretypes.AudioFormat
}

// HardwareCapability reports whether a given session is usable on the
// current host at all, independent of whether it has been warmed yet.
type HardwareCapability struct {
	Available bool
	Reason    string // set when Available is false
}

// HardwareProbe is consulted once at startup so the lifecycle manager never
// tries to warm a session the host cannot run.
type HardwareProbe interface {
	Probe(sessionID coretypes.SessionID) HardwareCapability
}
