// Package lifecycle implements the Warmup & Lifecycle Manager (C6): it
// brings the session pool up to a minimally usable state synchronously at
// startup, deep-warms the remaining sessions in the background, keeps
// warmed sessions alive against idle teardown, and performs scoped cleanup
// to mitigate the slow resource growth long-lived inference sessions can
// accumulate.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/logging"
	"github.com/localvoice/synthd/internal/pool"
	"github.com/localvoice/synthd/internal/synth"
)

// preferenceOrder is the order sessions are tried for minimal warmup and
// deep-warm: ANE first (fastest TTFA), then GPU, then CPU as the universal
// fallback.
var preferenceOrder = []coretypes.SessionID{coretypes.SessionANE, coretypes.SessionGPU, coretypes.SessionCPU}

// keepAliveSuppressWindow is how recently a real request must have landed
// on a session for the keep-alive loop to skip pinging it: an actively
// used session needs no synthetic warmth.
const keepAliveSuppressWindow = 120 * time.Second

// Config controls keep-alive cadence. Defaults match the documented
// calibration.
type Config struct {
	KeepAliveInterval time.Duration // default 300s
	KeepAliveEnabled  bool          // default true; the keep_alive_enabled toggle
}

func DefaultConfig() Config {
	return Config{KeepAliveInterval: 300 * time.Second, KeepAliveEnabled: true}
}

// Manager owns the pool's warmup, keep-alive, and scoped-cleanup
// background work.
type Manager struct {
	pool  *pool.Pool
	synth synth.Synthesizer
	probe synth.HardwareProbe
	log   *logging.Logger
	cfg   Config

	lastRequest atomic.Int64 // unix nanoseconds; 0 means no request observed yet

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a lifecycle manager. log may be logging.Nop() in tests.
func New(p *pool.Pool, s synth.Synthesizer, probe synth.HardwareProbe, log *logging.Logger, cfg Config) *Manager {
	if cfg.KeepAliveEnabled && cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	return &Manager{pool: p, synth: s, probe: probe, log: log, cfg: cfg, stopCh: make(chan struct{})}
}

// Start synchronously warms the first available session so the engine can
// accept requests as soon as Start returns, then launches background
// deep-warm of the remaining sessions and the keep-alive loop. ctx governs
// the lifetime of the background goroutines, not of Start itself.
func (m *Manager) Start(ctx context.Context) error {
	warmed, err := m.warmupFirstAvailable(ctx)
	if err != nil {
		return err
	}
	m.log.Info("lifecycle: minimal warmup complete, session=%v", warmed)

	m.wg.Add(1)
	go m.deepWarm(ctx)
	if m.cfg.KeepAliveEnabled {
		m.wg.Add(1)
		go m.keepAliveLoop(ctx)
	}
	return nil
}

// Stop signals the background loops to exit and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// warmupFirstAvailable tries sessions in preference order and returns as
// soon as one reaches Ready. It does not attempt every session — that is
// deepWarm's job — only enough to accept the first request.
func (m *Manager) warmupFirstAvailable(ctx context.Context) (coretypes.SessionID, error) {
	for _, id := range preferenceOrder {
		cap := m.probe.Probe(id)
		if !cap.Available {
			m.log.Info("lifecycle: session %v unavailable on this host: %s", id, cap.Reason)
			continue
		}
		if m.warmOne(ctx, id) {
			return id, nil
		}
	}
	return 0, &coretypes.NoSessionAvailableError{}
}

// deepWarm attempts every remaining Cold session not already handled by
// warmupFirstAvailable, so the pool ends up fully warmed without blocking
// startup on the slowest session.
func (m *Manager) deepWarm(ctx context.Context) {
	defer m.wg.Done()
	for _, id := range preferenceOrder {
		if m.pool.State(id) != coretypes.SessionCold {
			continue
		}
		cap := m.probe.Probe(id)
		if !cap.Available {
			continue
		}
		m.warmOne(ctx, id)
	}
}

func (m *Manager) warmOne(ctx context.Context, id coretypes.SessionID) bool {
	m.pool.SetState(id, coretypes.SessionWarming)
	guard, err := m.pool.Acquire(id)
	if err != nil {
		m.pool.SetState(id, coretypes.SessionFailed)
		return false
	}
	defer guard.Release()

	if err := m.synth.Warmup(ctx, id); err != nil {
		m.log.Warn("lifecycle: warmup failed for session %v: %v", id, err)
		m.pool.SetState(id, coretypes.SessionFailed)
		return false
	}
	m.pool.SetState(id, coretypes.SessionReady)
	return true
}

// keepAliveLoop pings every Ready session periodically so an idle session
// is not torn down by its underlying runtime, and triggers scoped cleanup
// once a session crosses its op-count or wall-clock threshold.
func (m *Manager) keepAliveLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// NoteRequest records that a real synthesis request just landed. The
// keep-alive loop consults this to suppress pinging during active use — a
// session a real request touched a moment ago needs no synthetic warmth.
func (m *Manager) NoteRequest() {
	m.lastRequest.Store(time.Now().UnixNano())
}

// recentlyActive reports whether a request landed within
// keepAliveSuppressWindow of now.
func (m *Manager) recentlyActive() bool {
	last := m.lastRequest.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < keepAliveSuppressWindow
}

func (m *Manager) tick(ctx context.Context) {
	active := m.recentlyActive()
	for _, id := range m.pool.ReadySessions() {
		if m.pool.NeedsScopedCleanup(id) {
			m.scopedCleanup(ctx, id)
			continue
		}
		if active {
			continue
		}
		m.keepAlivePing(ctx, id)
	}
}

func (m *Manager) keepAlivePing(ctx context.Context, id coretypes.SessionID) {
	guard, err := m.pool.Acquire(id)
	if err != nil {
		// Session is mid-inference; a live session needs no keep-alive.
		return
	}
	defer guard.Release()
	if err := m.synth.Warmup(ctx, id); err != nil {
		m.pool.MarkFailedIncrement(id)
	}
}

// scopedCleanup re-warms a session in place to mitigate the slow resource
// growth a long-lived inference session accumulates, without a full
// process restart.
func (m *Manager) scopedCleanup(ctx context.Context, id coretypes.SessionID) {
	guard, err := m.pool.Acquire(id)
	if err != nil {
		return // busy; try again next tick
	}

	err = m.synth.Warmup(ctx, id)
	// Release before Recover so the cleanup's own warmup is not counted
	// against the fresh cleanup window.
	guard.Release()
	if err != nil {
		m.log.Warn("lifecycle: scoped cleanup failed for session %v: %v", id, err)
		m.pool.MarkFailedIncrement(id)
		return
	}
	m.pool.Recover(id)
	m.log.Info("lifecycle: scoped cleanup complete for session %v", id)
}

// PressureHint returns a 0..1 value indicating how close the pool is to
// having no healthy sessions left: 0 means all three are Ready, 1 means
// none are. Callers use it as an admission-control signal, not a hard gate.
func (m *Manager) PressureHint() float64 {
	ready := len(m.pool.ReadySessions())
	if ready >= len(preferenceOrder) {
		return 0
	}
	return 1 - float64(ready)/float64(len(preferenceOrder))
}

// String renders a short pool-state summary for diagnostics/logging.
func (m *Manager) String() string {
	states := make([]string, len(preferenceOrder))
	for i, id := range preferenceOrder {
		states[i] = fmt.Sprintf("%v=%v", id, m.pool.State(id))
	}
	return fmt.Sprintf("lifecycle(%v)", states)
}
