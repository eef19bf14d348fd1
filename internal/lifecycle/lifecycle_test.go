package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/logging"
	"github.com/localvoice/synthd/internal/pool"
	"github.com/localvoice/synthd/internal/synth"
	"github.com/localvoice/synthd/internal/synth/mocksynth"
)

// countingSynth wraps mocksynth.Synth to count Warmup calls, so a test can
// tell whether the keep-alive loop actually pinged a session.
type countingSynth struct {
	*mocksynth.Synth
	warmups int32
}

func (c *countingSynth) Warmup(ctx context.Context, id coretypes.SessionID) error {
	atomic.AddInt32(&c.warmups, 1)
	return c.Synth.Warmup(ctx, id)
}

type allAvailableProbe struct{ unavailable map[coretypes.SessionID]bool }

func (p allAvailableProbe) Probe(id coretypes.SessionID) synth.HardwareCapability {
	if p.unavailable[id] {
		return synth.HardwareCapability{Available: false, Reason: "not present on this host"}
	}
	return synth.HardwareCapability{Available: true}
}

func TestStartWarmsFirstAvailableSynchronously(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	m := New(p, mocksynth.New(), allAvailableProbe{}, logging.Nop(), DefaultConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer m.Stop()

	if p.State(coretypes.SessionANE) != coretypes.SessionReady {
		t.Fatalf("expected ANE Ready synchronously after Start, got %v", p.State(coretypes.SessionANE))
	}
}

func TestStartSkipsUnavailableHardware(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	probe := allAvailableProbe{unavailable: map[coretypes.SessionID]bool{coretypes.SessionANE: true}}
	m := New(p, mocksynth.New(), probe, logging.Nop(), DefaultConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer m.Stop()

	if p.State(coretypes.SessionGPU) != coretypes.SessionReady {
		t.Fatalf("expected GPU to be warmed when ANE is unavailable, got %v", p.State(coretypes.SessionGPU))
	}
}

func TestStartFailsWhenNoHardwareAvailable(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	probe := allAvailableProbe{unavailable: map[coretypes.SessionID]bool{
		coretypes.SessionANE: true,
		coretypes.SessionGPU: true,
		coretypes.SessionCPU: true,
	}}
	m := New(p, mocksynth.New(), probe, logging.Nop(), DefaultConfig())

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when no session is available")
	}
}

func TestDeepWarmEventuallyReadiesAllSessions(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	m := New(p, mocksynth.New(), allAvailableProbe{}, logging.Nop(), DefaultConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.ReadySessions()) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("deep warm did not ready all sessions in time, ready=%v", p.ReadySessions())
}

func TestPressureHintReflectsReadyCount(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	m := New(p, mocksynth.New(), allAvailableProbe{}, logging.Nop(), DefaultConfig())

	if got := m.PressureHint(); got != 1 {
		t.Fatalf("PressureHint() with 0 ready = %v, want 1", got)
	}
	p.SetState(coretypes.SessionANE, coretypes.SessionReady)
	p.SetState(coretypes.SessionGPU, coretypes.SessionReady)
	p.SetState(coretypes.SessionCPU, coretypes.SessionReady)
	if got := m.PressureHint(); got != 0 {
		t.Fatalf("PressureHint() with 3 ready = %v, want 0", got)
	}
}

func TestKeepAliveSuppressedDuringRecentActivity(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	p.SetState(coretypes.SessionANE, coretypes.SessionReady)
	counting := &countingSynth{Synth: mocksynth.New()}
	m := New(p, counting, allAvailableProbe{}, logging.Nop(), Config{KeepAliveInterval: time.Hour, KeepAliveEnabled: true})

	m.NoteRequest()
	m.tick(context.Background())
	if got := atomic.LoadInt32(&counting.warmups); got != 0 {
		t.Fatalf("tick issued %d keep-alive pings while recently active, want 0", got)
	}
}

func TestKeepAlivePingsWithoutRecentActivity(t *testing.T) {
	p := pool.New(pool.DefaultHealthConfig())
	p.SetState(coretypes.SessionANE, coretypes.SessionReady)
	counting := &countingSynth{Synth: mocksynth.New()}
	m := New(p, counting, allAvailableProbe{}, logging.Nop(), Config{KeepAliveInterval: time.Hour, KeepAliveEnabled: true})

	m.tick(context.Background())
	if got := atomic.LoadInt32(&counting.warmups); got != 1 {
		t.Fatalf("tick issued %d keep-alive pings, want 1", got)
	}
}

func TestDefaultConfigMatchesDocumentedCalibration(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.KeepAliveInterval != 300*time.Second {
		t.Fatalf("KeepAliveInterval = %v, want 300s", cfg.KeepAliveInterval)
	}
}

func TestKeepAliveTriggersScopedCleanupAfterOpThreshold(t *testing.T) {
	p := pool.New(pool.HealthConfig{MaxConsecutiveErrors: 5, CleanupAfterOps: 1, CleanupAfterWall: time.Hour})
	cfg := Config{KeepAliveInterval: 20 * time.Millisecond, KeepAliveEnabled: true}
	m := New(p, mocksynth.New(), allAvailableProbe{}, logging.Nop(), cfg)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer m.Stop()

	// Force an operation against the warmed session so it crosses the
	// CleanupAfterOps=1 threshold, then let the keep-alive loop observe it.
	g, err := p.Acquire(coretypes.SessionANE)
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	g.Release()

	time.Sleep(100 * time.Millisecond)
	if p.NeedsScopedCleanup(coretypes.SessionANE) {
		t.Fatal("expected scoped cleanup to have run and reset the window")
	}
}
