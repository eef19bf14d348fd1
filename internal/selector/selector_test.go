package selector

import (
	"testing"

	"github.com/localvoice/synthd/internal/coretypes"
)

func allReady() PoolView {
	return PoolView{Ready: map[coretypes.SessionID]bool{
		coretypes.SessionANE: true,
		coretypes.SessionGPU: true,
		coretypes.SessionCPU: true,
	}}
}

func TestOnlyOneReadyIsChosenRegardlessOfLength(t *testing.T) {
	pool := PoolView{Ready: map[coretypes.SessionID]bool{coretypes.SessionGPU: true}}
	got := Select(5, pool, DefaultConfig(), 0, false)
	if got != coretypes.SessionGPU {
		t.Fatalf("Select() = %v, want GPU", got)
	}
}

func TestShortTextPrefersANE(t *testing.T) {
	cfg := DefaultConfig()
	got := Select(50, allReady(), cfg, 0, false)
	if got != coretypes.SessionANE {
		t.Fatalf("Select(50) = %v, want ANE", got)
	}
}

func TestLongTextPrefersGPU(t *testing.T) {
	cfg := DefaultConfig()
	got := Select(1500, allReady(), cfg, 0, false)
	if got != coretypes.SessionGPU {
		t.Fatalf("Select(1500) = %v, want GPU", got)
	}
}

func TestMidRangePrefersCPU(t *testing.T) {
	cfg := DefaultConfig()
	got := Select(500, allReady(), cfg, 0, false)
	if got != coretypes.SessionCPU {
		t.Fatalf("Select(500) = %v, want CPU", got)
	}
}

func TestFallsBackWhenCPUNotReady(t *testing.T) {
	cfg := DefaultConfig()
	pool := PoolView{Ready: map[coretypes.SessionID]bool{
		coretypes.SessionGPU: true,
		coretypes.SessionANE: true,
	}}
	got := Select(500, pool, cfg, 0, false)
	if got != coretypes.SessionGPU {
		t.Fatalf("Select() = %v, want GPU fallback", got)
	}
}

func TestHysteresisKeepsPreviousNearBoundary(t *testing.T) {
	cfg := DefaultConfig() // ShortCap=200, hysteresis 15% -> window [170,230]
	// 210 is just past ShortCap and would normally fall to mid-range (CPU),
	// but it's within 15% of the ShortCap boundary, so the previous
	// session (ANE) should be kept.
	got := Select(210, allReady(), cfg, coretypes.SessionANE, true)
	if got != coretypes.SessionANE {
		t.Fatalf("Select(210) with previous=ANE = %v, want ANE (hysteresis)", got)
	}
}

func TestNoHysteresisFarFromBoundary(t *testing.T) {
	cfg := DefaultConfig()
	got := Select(500, allReady(), cfg, coretypes.SessionANE, true)
	if got != coretypes.SessionCPU {
		t.Fatalf("Select(500) with previous=ANE = %v, want CPU (no hysteresis this far out)", got)
	}
}

func TestPureFunctionIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	pool := allReady()
	a := Select(777, pool, cfg, 0, false)
	b := Select(777, pool, cfg, 0, false)
	if a != b {
		t.Fatalf("Select() is not deterministic: %v != %v", a, b)
	}
}
