package daemon

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
)

// SinkRestartWindow and SinkMaxRestarts bound how aggressively the feeder
// retries a dying audio-sink child before surfacing a fatal error, per the
// documented "M restarts within a 30s window" rule.
const (
	SinkRestartWindow = 30 * time.Second
	SinkMaxRestarts   = 5
)

// sinkLauncher starts the real audio-sink child process. Production code
// uses execSinkLauncher; tests substitute a fake to avoid spawning a real
// binary.
type sinkLauncher func() (*exec.Cmd, io.WriteCloser, error)

// execSinkLauncher spawns the audiosink binary, grounded on mp3_writer.go's
// cmd.StdinPipe/cmd.Start shape, substituting a long-lived PCM consumer for
// a one-shot ffmpeg encode.
func execSinkLauncher(binaryPath string, sampleRate, channels, bitDepth int) sinkLauncher {
	return func() (*exec.Cmd, io.WriteCloser, error) {
		cmd := exec.Command(binaryPath,
			"-rate", fmt.Sprintf("%d", sampleRate),
			"-channels", fmt.Sprintf("%d", channels),
			"-bits", fmt.Sprintf("%d", bitDepth),
		)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("audiosink: create stdin pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			stdin.Close()
			return nil, nil, fmt.Errorf("audiosink: start: %w", err)
		}
		return cmd, stdin, nil
	}
}

// AudioSink owns the child process a client session writes PCM to. It
// restarts the child on unexpected death, bounded by SinkMaxRestarts within
// SinkRestartWindow, after which Write returns a wrapped ErrSinkDied and
// every later Write returns ErrSinkDied without launching a new child. The
// session feeder logs these errors; it does not end the session or send the
// client an error frame.
type AudioSink struct {
	launch sinkLauncher

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	restarts    []time.Time
	fatal       bool
	deathNotify chan struct{}
}

// NewAudioSink creates a sink manager without starting the child; the
// child is spawned lazily on the first Write, per the documented
// spawned-on-first-audio_chunk behavior.
func NewAudioSink(launch sinkLauncher) *AudioSink {
	return &AudioSink{launch: launch, deathNotify: make(chan struct{}, 1)}
}

// Write sends PCM bytes to the child's stdin, starting it first if it is
// not yet running, and restarting it in place if it had died and the
// restart budget is not exhausted.
func (s *AudioSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal {
		return 0, coretypes.ErrSinkDied
	}
	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			return 0, err
		}
	}

	n, err := s.stdin.Write(p)
	if err != nil {
		if restartErr := s.handleDeathLocked(); restartErr != nil {
			return 0, restartErr
		}
		// Retry once against the freshly restarted process.
		return s.stdin.Write(p)
	}
	return n, nil
}

func (s *AudioSink) startLocked() error {
	cmd, stdin, err := s.launch()
	if err != nil {
		return fmt.Errorf("audiosink: launch: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	go s.watch(cmd)
	return nil
}

// watch waits for the child to exit and signals deathNotify; the feeder
// loop (or the next Write) observes this to decide whether to restart.
func (s *AudioSink) watch(cmd *exec.Cmd) {
	cmd.Wait()
	select {
	case s.deathNotify <- struct{}{}:
	default:
	}
}

// handleDeathLocked records a restart attempt and relaunches the child if
// the restart budget allows it. Caller holds s.mu.
func (s *AudioSink) handleDeathLocked() error {
	now := time.Now()
	cutoff := now.Add(-SinkRestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= SinkMaxRestarts {
		s.fatal = true
		return fmt.Errorf("audiosink: %d restarts within %s: %w", len(s.restarts), SinkRestartWindow, coretypes.ErrSinkDied)
	}

	s.restarts = append(s.restarts, now)
	s.stdin = nil
	return s.startLocked()
}

// Close closes the child's stdin and waits for it to exit cleanly.
func (s *AudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	err := s.stdin.Close()
	if s.cmd != nil {
		s.cmd.Wait()
	}
	return err
}

// Reset kills any running child and clears restart/fatal bookkeeping, so
// the next Write spawns a fresh child exactly as NewAudioSink's lazy
// first-write path would. Used when a client session starts a new play
// after a stop, so no audio from the prior session's child survives into
// the new one.
func (s *AudioSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
	s.restarts = nil
	s.fatal = false
}

// Died signals once each time the child process exits, whether from a
// normal drain-to-completion or an unexpected crash. The feeder loop
// selects on this to notice a death even when it isn't actively writing.
func (s *AudioSink) Died() <-chan struct{} { return s.deathNotify }

// Kill terminates the child immediately, used on a Stop transition where
// the buffer is kept but no longer drained.
func (s *AudioSink) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
