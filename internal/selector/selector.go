// Package selector implements the Provider Selector (C4): a pure function
// from (text length, pool state) to a session id. Nothing here touches the
// pool's mutexes or performs I/O — PoolView is a plain snapshot so the
// selection rule stays trivially testable.
package selector

import "github.com/localvoice/synthd/internal/coretypes"

// Config holds the calibrated thresholds. Defaults are the documented
// reference-hardware calibration; both thresholds are intentionally
// tunable rather than fixed, per the open question in spec.md §9 on
// CPU-vs-accelerator performance — this package takes no side in that
// debate.
type Config struct {
	ShortCap      int     // default 200
	LongCap       int     // default 1000
	HysteresisPct float64 // default 0.15
}

func DefaultConfig() Config {
	return Config{ShortCap: 200, LongCap: 1000, HysteresisPct: 0.15}
}

// PoolView is a read-only snapshot of session readiness, decoupled from the
// pool package's locking so Select stays a pure function.
type PoolView struct {
	Ready map[coretypes.SessionID]bool
}

// Select returns the session id to use for a segment of the given text
// length. previous is the session used for the prior segment in the same
// utterance, and hasPrevious reports whether there was one; together they
// feed the hysteresis rule.
func Select(textLen int, pool PoolView, cfg Config, previous coretypes.SessionID, hasPrevious bool) coretypes.SessionID {
	readyCount := 0
	var onlyReady coretypes.SessionID
	for _, id := range []coretypes.SessionID{coretypes.SessionANE, coretypes.SessionGPU, coretypes.SessionCPU} {
		if pool.Ready[id] {
			readyCount++
			onlyReady = id
		}
	}

	// Rule 1: only one session Ready.
	if readyCount == 1 {
		return onlyReady
	}
	if readyCount == 0 {
		// Nothing is Ready; return the nominal preference. The pool's
		// Acquire does not check health state, so this case is not
		// reported as an error here.
		return coretypes.SessionCPU
	}

	choice := selectByThreshold(textLen, pool, cfg)

	// Rule 5: hysteresis — keep the previous session if the current
	// selection criterion is within HysteresisPct of the threshold that
	// would flip the choice.
	if hasPrevious && pool.Ready[previous] && withinHysteresis(textLen, cfg) {
		return previous
	}

	return choice
}

func selectByThreshold(textLen int, pool PoolView, cfg Config) coretypes.SessionID {
	// Rule 2: short text prefers ANE (shortest TTFA).
	if textLen <= cfg.ShortCap && pool.Ready[coretypes.SessionANE] {
		return coretypes.SessionANE
	}
	// Rule 3: long text prefers GPU (steadier cadence).
	if textLen >= cfg.LongCap && pool.Ready[coretypes.SessionGPU] {
		return coretypes.SessionGPU
	}
	// Rule 4: otherwise CPU, else GPU, else ANE.
	if pool.Ready[coretypes.SessionCPU] {
		return coretypes.SessionCPU
	}
	if pool.Ready[coretypes.SessionGPU] {
		return coretypes.SessionGPU
	}
	return coretypes.SessionANE
}

// withinHysteresis reports whether textLen sits within HysteresisPct of
// either threshold boundary, i.e. close enough to a flip that switching
// providers would likely just thrash the cache for no benefit.
func withinHysteresis(textLen int, cfg Config) bool {
	nearShort := nearBoundary(textLen, cfg.ShortCap, cfg.HysteresisPct)
	nearLong := nearBoundary(textLen, cfg.LongCap, cfg.HysteresisPct)
	return nearShort || nearLong
}

func nearBoundary(value, boundary int, pct float64) bool {
	if boundary <= 0 {
		return false
	}
	delta := float64(value-boundary) / float64(boundary)
	if delta < 0 {
		delta = -delta
	}
	return delta <= pct
}
