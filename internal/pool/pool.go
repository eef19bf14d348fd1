// Package pool implements the Session Pool (C3): three fixed inference
// execution contexts (ANE, GPU, CPU), each independently mutex-guarded so
// acquiring one never blocks acquiring another.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
)

// HealthConfig controls failure/cleanup thresholds, per spec defaults.
type HealthConfig struct {
	MaxConsecutiveErrors int           // K, default 5
	CleanupAfterOps      int           // M, default 50
	CleanupAfterWall     time.Duration // T, default 60s
}

// DefaultHealthConfig is the documented default calibration.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		MaxConsecutiveErrors: 5,
		CleanupAfterOps:      50,
		CleanupAfterWall:     60 * time.Second,
	}
}

type session struct {
	mu sync.Mutex

	id    coretypes.SessionID
	state coretypes.SessionState

	inflight         bool
	consecutiveErrs  int
	lastUsed         time.Time
	opsSinceCleanup  int
	cleanupStartedAt time.Time
}

// Pool owns the three sessions. No method blocks acquiring a different
// session id than the one requested.
type Pool struct {
	cfg      HealthConfig
	sessions [3]*session
}

// New creates a pool with all three sessions starting Cold.
func New(cfg HealthConfig) *Pool {
	if cfg.MaxConsecutiveErrors <= 0 || cfg.CleanupAfterOps <= 0 || cfg.CleanupAfterWall <= 0 {
		cfg = DefaultHealthConfig()
	}
	p := &Pool{cfg: cfg}
	for _, id := range []coretypes.SessionID{coretypes.SessionANE, coretypes.SessionGPU, coretypes.SessionCPU} {
		p.sessions[id] = &session{id: id, state: coretypes.SessionCold, cleanupStartedAt: time.Now()}
	}
	return p
}

// Guard represents exclusive ownership of one session for the duration of
// one inference call. Release must be called exactly once.
type Guard struct {
	s       *session
	release func()
}

// Release returns the session to the pool.
func (g *Guard) Release() {
	if g.release != nil {
		g.release()
	}
}

// ID returns the underlying session id.
func (g *Guard) ID() coretypes.SessionID { return g.s.id }

// Acquire locks the named session for exclusive use. It never blocks
// acquiring a different id. Acquire does not check health state — callers
// consult State() first (the provider selector never picks a non-Ready
// session, but a caller may still force-acquire e.g. during warmup).
func (p *Pool) Acquire(id coretypes.SessionID) (*Guard, error) {
	s := p.sessions[id]
	if s == nil {
		return nil, fmt.Errorf("pool: unknown session %v: %w", id, coretypes.ErrInternal)
	}
	s.mu.Lock()
	if s.inflight {
		s.mu.Unlock()
		return nil, fmt.Errorf("pool: session %v already has an inference in flight: %w", id, coretypes.ErrInternal)
	}
	s.inflight = true
	s.mu.Unlock()

	return &Guard{
		s: s,
		release: func() {
			s.mu.Lock()
			s.inflight = false
			s.lastUsed = time.Now()
			s.opsSinceCleanup++
			s.mu.Unlock()
		},
	}, nil
}

// State returns the current health state of a session.
func (p *Pool) State(id coretypes.SessionID) coretypes.SessionState {
	s := p.sessions[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState forces a session into a state; used by the lifecycle manager
// during warmup and explicit recovery.
func (p *Pool) SetState(id coretypes.SessionID, state coretypes.SessionState) {
	s := p.sessions[id]
	s.mu.Lock()
	s.state = state
	if state == coretypes.SessionReady {
		s.consecutiveErrs = 0
	}
	s.mu.Unlock()
}

// MarkFailedIncrement records one inference error on a session. After K
// consecutive errors the session transitions to Failed.
func (p *Pool) MarkFailedIncrement(id coretypes.SessionID) coretypes.SessionState {
	s := p.sessions[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveErrs++
	if s.consecutiveErrs >= p.cfg.MaxConsecutiveErrors {
		s.state = coretypes.SessionFailed
	} else if s.state == coretypes.SessionReady {
		s.state = coretypes.SessionDegraded
	}
	return s.state
}

// MarkDegraded transitions a session to Degraded for a reason other than a
// raw error count (e.g. a slow-inference signal from the scheduler).
func (p *Pool) MarkDegraded(id coretypes.SessionID) {
	s := p.sessions[id]
	s.mu.Lock()
	if s.state == coretypes.SessionReady {
		s.state = coretypes.SessionDegraded
	}
	s.mu.Unlock()
}

// Recover clears a session's error count and returns it to Ready. Only the
// Lifecycle Manager calls this, after performing a scoped cleanup.
func (p *Pool) Recover(id coretypes.SessionID) {
	s := p.sessions[id]
	s.mu.Lock()
	s.state = coretypes.SessionReady
	s.consecutiveErrs = 0
	s.opsSinceCleanup = 0
	s.cleanupStartedAt = time.Now()
	s.mu.Unlock()
}

// NeedsScopedCleanup reports whether a session has crossed the M-ops or
// T-wallclock threshold since its last cleanup. The caller (Lifecycle
// Manager) schedules the cleanup on the next idle transition.
func (p *Pool) NeedsScopedCleanup(id coretypes.SessionID) bool {
	s := p.sessions[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opsSinceCleanup >= p.cfg.CleanupAfterOps {
		return true
	}
	return time.Since(s.cleanupStartedAt) >= p.cfg.CleanupAfterWall
}

// ReadySessions returns the ids currently in the Ready state, in
// ANE/GPU/CPU order.
func (p *Pool) ReadySessions() []coretypes.SessionID {
	var ready []coretypes.SessionID
	for _, id := range []coretypes.SessionID{coretypes.SessionANE, coretypes.SessionGPU, coretypes.SessionCPU} {
		if p.State(id) == coretypes.SessionReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// AllFailed reports whether every session is Failed, the precondition for
// NoSessionAvailableError.
func (p *Pool) AllFailed() bool {
	for _, id := range []coretypes.SessionID{coretypes.SessionANE, coretypes.SessionGPU, coretypes.SessionCPU} {
		if p.State(id) != coretypes.SessionFailed {
			return false
		}
	}
	return true
}
