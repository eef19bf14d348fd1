// Package engine is the composition root: a single Engine value owns the
// session pool, the lifecycle manager, the primer cache, and the two
// listeners (loopback HTTP synthesis and the WebSocket playback daemon),
// so every background goroutine in the process has exactly one owner and
// there is no process-wide singleton to reason about.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/localvoice/synthd/internal/config"
	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/daemon"
	"github.com/localvoice/synthd/internal/httpapi"
	"github.com/localvoice/synthd/internal/lifecycle"
	"github.com/localvoice/synthd/internal/logging"
	"github.com/localvoice/synthd/internal/metrics"
	"github.com/localvoice/synthd/internal/pool"
	"github.com/localvoice/synthd/internal/scheduler"
	"github.com/localvoice/synthd/internal/scheduler/primercache"
	"github.com/localvoice/synthd/internal/synth"
	"github.com/localvoice/synthd/internal/synth/onnxsynth"
)

// Engine wires every component named by the external interface contract
// into one value. Callers construct one with New, call Start, and Stop it
// on shutdown; there is nothing else to reach for.
type Engine struct {
	cfg *config.Config
	log *logging.Logger

	pool      *pool.Pool
	synth     synth.Synthesizer
	lex       synth.G2P
	primer    *primercache.Cache
	lifecycle *lifecycle.Manager
	window    *metrics.Window

	httpServer *http.Server
	daemon     *daemon.Daemon

	stopOnce sync.Once
}

// New constructs every component but starts nothing. A failure here is
// always a configuration error (exit code 2 in the documented contract),
// never a transient one.
func New(cfg *config.Config, log *logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Nop()
	}

	model, err := onnxsynth.New(onnxsynth.ModelConfig{
		Path:          cfg.ModelPath,
		InputNames:    []string{"phoneme_ids", "phoneme_lengths"},
		OutputNames:   []string{"waveform"},
		SharedLibrary: cfg.SharedLibrary,
		SampleRate:    coretypes.DefaultAudioFormat().SampleRate,
		LexiconPath:   cfg.LexiconPath,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build synthesizer: %w", err)
	}

	lexicon, err := onnxsynth.NewLexicon(cfg.LexiconPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load lexicon: %w", err)
	}
	var lex synth.G2P = lexicon

	sessionPool := pool.New(cfg.Pool)
	primer := primercache.New(64)
	window := metrics.NewWindow(metrics.DefaultGateConfig())

	lifecycleCfg := cfg.Lifecycle
	lifecycleMgr := lifecycle.New(sessionPool, model, model, log, lifecycleCfg)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		pool:      sessionPool,
		synth:     model,
		lex:       lex,
		primer:    primer,
		lifecycle: lifecycleMgr,
		window:    window,
	}

	schedulerDeps := func() scheduler.Deps {
		return scheduler.Deps{
			Pool:      e.pool,
			G2P:       e.lex,
			Synth:     e.synth,
			Primer:    e.primer,
			CrossFade: scheduler.DefaultCrossFadeConfig(),
			SelectCfg: cfg.Selector,
			Gate:      e.window,
		}
	}

	httpHandler := httpapi.NewHandler(httpapi.Options{
		NewScheduler:  func() *scheduler.Scheduler { return scheduler.New(schedulerDeps()) },
		SegmentConfig: cfg.Segment,
		Format:        model.Format(),
		Window:        window,
		Log:           log,
		OnRequest:     lifecycleMgr.NoteRequest,
	})
	e.httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: httpHandler}

	e.daemon = daemon.New(daemon.Config{
		Addr:        cfg.DaemonAddr,
		SinkBinary:  cfg.SinkBinary,
		AudioFormat: model.Format(),
	}, log)

	return e, nil
}

// Start brings the session pool to a minimally usable state synchronously
// (which also launches the background warmup/keep-alive loop), unless
// cold-start warmup is disabled, in which case neither runs. It then
// launches both listeners as goroutines and returns without waiting for
// them to bind: a listener error already reported by the time Start checks
// is returned, a later one is not. It does not block for the process
// lifetime.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Toggles.EnableColdStartWarmup {
		e.log.Info("engine: cold-start warmup disabled, accepting requests against a cold pool")
	} else if err := e.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("engine: lifecycle start: %w", err)
	}

	daemonErrCh := make(chan error, 1)
	go func() {
		if err := e.daemon.Start(); err != nil {
			daemonErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	select {
	case err := <-daemonErrCh:
		return fmt.Errorf("engine: daemon listener: %w", err)
	case err := <-httpErrCh:
		return fmt.Errorf("engine: http listener: %w", err)
	default:
	}

	e.log.Info("engine: listening http=%s daemon=%s", e.cfg.HTTPAddr, e.cfg.DaemonAddr)
	return nil
}

// Stop shuts the HTTP listener down and stops the lifecycle manager's
// background loops; the daemon listener is not stopped. Safe to call more
// than once.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		_ = e.httpServer.Shutdown(ctx)
		e.lifecycle.Stop()
	})
}

// Window exposes the SLO gate state for diagnostics.
func (e *Engine) Window() *metrics.Window { return e.window }
