package scheduler

import "encoding/binary"

// crossfade.go applies a linear cross-fade across the boundary between two
// adjacent PCM segments, so the inference discontinuity at a segment cut
// does not surface as an audible click or level jump.

// CrossFadeConfig controls the fade window applied across a segment
// boundary.
type CrossFadeConfig struct {
	Enabled    bool
	DurationMs int // default 10ms
}

// DefaultCrossFadeConfig is the documented default.
func DefaultCrossFadeConfig() CrossFadeConfig {
	return CrossFadeConfig{Enabled: true, DurationMs: 10}
}

// ApplyCrossFade blends the tail of prev into the head of next in place on
// a copy of next, over the configured duration (in 16-bit PCM sample
// frames at the given sample rate). If either side is shorter than the
// fade window, the fade is clipped to what's available — never panics on
// short segments.
func ApplyCrossFade(prevTail, next []byte, sampleRate int, cfg CrossFadeConfig) []byte {
	if !cfg.Enabled || len(prevTail) == 0 || len(next) == 0 {
		return next
	}

	fadeSamples := (sampleRate * cfg.DurationMs) / 1000
	fadeBytes := fadeSamples * 2 // 16-bit PCM
	if fadeBytes > len(prevTail) {
		fadeBytes = len(prevTail)
	}
	if fadeBytes > len(next) {
		fadeBytes = len(next)
	}
	if fadeBytes < 2 {
		return next
	}
	fadeBytes -= fadeBytes % 2 // stay sample-aligned

	out := make([]byte, len(next))
	copy(out, next)

	frames := fadeBytes / 2
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(frames)

		prevOff := len(prevTail) - fadeBytes + i*2
		prevSample := int16(binary.LittleEndian.Uint16(prevTail[prevOff : prevOff+2]))
		nextSample := int16(binary.LittleEndian.Uint16(out[i*2 : i*2+2]))

		blended := float64(prevSample)*(1-t) + float64(nextSample)*t
		mixed := int16(blended)

		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(mixed))
	}

	return out
}
