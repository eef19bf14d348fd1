// Package config parses command-line flags into the values every
// component needs at startup, plus the documented toggle set for warmup
// and cleanup behavior. Toggles are flags, read once when Load runs.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/localvoice/synthd/internal/lifecycle"
	"github.com/localvoice/synthd/internal/pool"
	"github.com/localvoice/synthd/internal/segment"
	"github.com/localvoice/synthd/internal/selector"
)

// Toggles is the documented toggle set from the external interface
// contract. Only EnableColdStartWarmup (read by the engine's Start) and
// KeepAliveIntervalS/KeepAliveEnabled (copied into Config.Lifecycle) change
// behavior; DeferBackgroundInit, MinimalWarmup, SkipStartupCleanup,
// MemoryThresholdMB and PrimingMode are parsed and stored here, and no
// component reads them.
type Toggles struct {
	DeferBackgroundInit   bool
	EnableColdStartWarmup bool
	MinimalWarmup         bool
	SkipStartupCleanup    bool
	MemoryThresholdMB     int
	KeepAliveIntervalS    int
	KeepAliveEnabled      bool
	PrimingMode           bool
}

// Config is the fully resolved process configuration: listen addresses,
// model paths, and the derived sub-configs for every component that takes
// one.
type Config struct {
	HTTPAddr   string
	DaemonAddr string
	SinkBinary string

	ModelPath     string
	LexiconPath   string
	SharedLibrary string

	CalibrationPath string

	Toggles Toggles

	Segment   segment.Config
	Pool      pool.HealthConfig
	Selector  selector.Config
	Lifecycle lifecycle.Config
}

// Load parses flag.CommandLine and applies any calibration override file,
// returning a Config ready to hand to the engine's composition root.
// Exit code 2 (configuration error) is the caller's responsibility on a
// non-nil error, per the documented exit-code contract.
func Load() (*Config, error) {
	httpAddr := flag.String("http-addr", "127.0.0.1:7890", "loopback HTTP synthesis endpoint address")
	daemonAddr := flag.String("daemon-addr", "127.0.0.1:7891", "playback daemon WebSocket listen address")
	sinkBinary := flag.String("sink-binary", "audiosink", "path to the audiosink child binary")

	modelPath := flag.String("model", "", "path to the ONNX vocoder model")
	lexiconPath := flag.String("lexicon", "", "path to the G2P pronunciation lexicon")
	sharedLibrary := flag.String("onnxruntime-lib", "", "path to the ONNX Runtime shared library")

	calibrationPath := flag.String("calibration", "", "path to a YAML calibration override file")

	deferBackgroundInit := flag.Bool("defer-background-init", false, "accepted and stored; no component reads it")
	enableColdStartWarmup := flag.Bool("enable-cold-start-warmup", true, "warm the first available session synchronously at startup")
	minimalWarmup := flag.Bool("minimal-warmup", false, "accepted and stored; no component reads it")
	skipStartupCleanup := flag.Bool("skip-startup-cleanup", false, "accepted and stored; no component reads it")
	memoryThresholdMB := flag.Int("memory-threshold-mb", 0, "accepted and stored; no component reads it")
	keepAliveIntervalS := flag.Int("keep-alive-interval-s", 300, "keep-alive ping interval in seconds")
	keepAliveEnabled := flag.Bool("keep-alive-enabled", true, "run the keep-alive ping/scoped-cleanup loop")
	primingMode := flag.Bool("priming-mode", false, "accepted and stored; no component reads it")

	flag.Parse()

	if *modelPath == "" {
		return nil, fmt.Errorf("config: -model is required")
	}

	cfg := &Config{
		HTTPAddr:        *httpAddr,
		DaemonAddr:      *daemonAddr,
		SinkBinary:      *sinkBinary,
		ModelPath:       *modelPath,
		LexiconPath:     *lexiconPath,
		SharedLibrary:   *sharedLibrary,
		CalibrationPath: *calibrationPath,
		Toggles: Toggles{
			DeferBackgroundInit:   *deferBackgroundInit,
			EnableColdStartWarmup: *enableColdStartWarmup,
			MinimalWarmup:         *minimalWarmup,
			SkipStartupCleanup:    *skipStartupCleanup,
			MemoryThresholdMB:     *memoryThresholdMB,
			KeepAliveIntervalS:    *keepAliveIntervalS,
			KeepAliveEnabled:      *keepAliveEnabled,
			PrimingMode:           *primingMode,
		},
		Segment:  segment.DefaultConfig(),
		Pool:     pool.DefaultHealthConfig(),
		Selector: selector.DefaultConfig(),
		Lifecycle: lifecycle.Config{
			KeepAliveInterval: time.Duration(*keepAliveIntervalS) * time.Second,
			KeepAliveEnabled:  *keepAliveEnabled,
		},
	}

	if *calibrationPath != "" {
		if err := applyCalibration(cfg, *calibrationPath); err != nil {
			return nil, fmt.Errorf("config: calibration override: %w", err)
		}
	}

	return cfg, nil
}
