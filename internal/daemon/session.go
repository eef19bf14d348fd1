package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/logging"
	"github.com/localvoice/synthd/internal/ringbuffer"
)

// PlayState is the per-client playback state machine.
type PlayState int

const (
	StateIdle PlayState = iota
	StatePlaying
	StatePaused
	StateEndingStream
	StateCompleted
	StateStopped
)

func (s PlayState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEndingStream:
		return "ending_stream"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// feederChunkMs is the audio-sink's preferred write unit.
const feederChunkMs = 50

// ClientSession owns one connected client's ring buffer, audio sink, and
// play-state machine. One session is created per WebSocket connection and
// torn down when it disconnects.
type ClientSession struct {
	id     string
	send   func(Message) error
	log    *logging.Logger
	format coretypes.AudioFormat

	ring *ringbuffer.RingBuffer
	sink *AudioSink

	mu           sync.Mutex
	state        PlayState
	highestSeq   uint64
	haveSeq      bool
	completeSent bool
	paused       bool

	requestReplay func(fromSeq uint64)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewClientSession creates a session and starts its feeder goroutine.
func NewClientSession(id string, send func(Message) error, sink *AudioSink, format coretypes.AudioFormat, log *logging.Logger) *ClientSession {
	bytesPerSecond := format.BytesPerSecond()
	ring := ringbuffer.New(bytesPerSecond, 2*bytesPerSecond)

	cs := &ClientSession{
		id:     id,
		send:   send,
		log:    log,
		format: format,
		ring:   ring,
		sink:   sink,
		state:  StateIdle,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go cs.feed()
	return cs
}

// SetReplayRequester wires the one-shot "replay from seq" callback invoked
// when a sequence gap is detected. The scheduler only honors this within
// the same utterance.
func (cs *ClientSession) SetReplayRequester(fn func(fromSeq uint64)) {
	cs.mu.Lock()
	cs.requestReplay = fn
	cs.mu.Unlock()
}

// State returns the current play state.
func (cs *ClientSession) State() PlayState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// HandleControl applies a control.data.action to the state machine.
func (cs *ClientSession) HandleControl(action ControlAction) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch action {
	case ActionPlay:
		switch cs.state {
		case StateIdle:
			cs.state = StatePlaying
		case StateStopped, StateCompleted:
			// A fresh play after a stop or a finished utterance starts a
			// clean session: new ring, new sink child, new feeder. No
			// audio from the prior session leaks into this one.
			cs.resetForNewPlayLocked()
			cs.state = StatePlaying
		}
	case ActionPause:
		if cs.state == StatePlaying {
			cs.state = StatePaused
			cs.paused = true
		}
	case ActionResume:
		if cs.state == StatePaused {
			cs.state = StatePlaying
			cs.paused = false
		}
	case ActionStop:
		cs.state = StateStopped
		cs.paused = false
		go cs.sink.Kill()
	case ActionEndStream:
		if cs.state == StatePlaying || cs.state == StatePaused {
			cs.state = StateEndingStream
			cs.paused = false
			cs.ring.MarkFinished()
		}
	default:
		return fmt.Errorf("daemon: unknown control action %q", action)
	}
	return nil
}

// resetForNewPlayLocked rebuilds everything the feeder loop owns so a
// stop-then-play on the same client session behaves like a brand new
// session. Caller holds cs.mu.
func (cs *ClientSession) resetForNewPlayLocked() {
	cs.ring.Clear()
	cs.sink.Reset()
	cs.highestSeq = 0
	cs.haveSeq = false
	cs.completeSent = false
	cs.paused = false
	cs.stopCh = make(chan struct{})
	cs.doneCh = make(chan struct{})
	go cs.feed()
}

// HandleAudioChunk ingests one tagged chunk from the scheduler, applying
// dedup-by-seq before writing it into the ring. Chunks at or below the
// highest seq already accepted are dropped silently; a gap triggers a
// one-shot replay request.
func (cs *ClientSession) HandleAudioChunk(chunk coretypes.Chunk) {
	cs.mu.Lock()
	if cs.haveSeq && chunk.Seq <= cs.highestSeq {
		cs.mu.Unlock()
		return
	}
	if cs.haveSeq && chunk.Seq > cs.highestSeq+1 {
		replay := cs.requestReplay
		missingFrom := cs.highestSeq + 1
		cs.mu.Unlock()
		if replay != nil {
			replay(missingFrom)
		}
		cs.mu.Lock()
	}
	cs.highestSeq = chunk.Seq
	cs.haveSeq = true
	if cs.state == StateIdle {
		cs.state = StatePlaying
	}
	isLast := chunk.IsLastOfUtterance
	cs.mu.Unlock()

	if len(chunk.Bytes) > 0 {
		cs.ring.Write(chunk.Bytes)
	}
	if isLast {
		cs.ring.MarkFinished()
	}
}

// feed drains the ring into the audio sink in feederChunkMs-sized writes.
// A blocking stdin write to the sink provides backpressure for free: the
// feeder simply does not read more from the ring until the previous write
// completes.
func (cs *ClientSession) feed() {
	defer close(cs.doneCh)

	bytesPerChunk := (cs.format.BytesPerSecond() * feederChunkMs) / 1000
	ticker := time.NewTicker(feederChunkMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cs.stopCh:
			return
		case <-cs.sink.Died():
			cs.handleSinkDeath()
		case <-ticker.C:
			cs.feedOnce(bytesPerChunk)
		}

		if cs.checkCompletion() {
			return
		}
	}
}

func (cs *ClientSession) feedOnce(bytesPerChunk int) {
	cs.mu.Lock()
	paused := cs.paused || cs.state == StateStopped
	cs.mu.Unlock()
	if paused {
		return
	}

	data := cs.ring.Read(bytesPerChunk)
	if len(data) == 0 {
		return
	}
	if _, err := cs.sink.Write(data); err != nil {
		cs.log.Warn("daemon: session %s: sink write failed: %v", cs.id, err)
	}
}

func (cs *ClientSession) handleSinkDeath() {
	cs.mu.Lock()
	ringEmpty := cs.ring.Available() == 0
	finished := cs.ring.Finished()
	cs.mu.Unlock()

	if ringEmpty && finished {
		return // checkCompletion will transition to Completed
	}
	// Data remains in the ring. The next feedOnce's Write will hit the
	// broken pipe and trigger AudioSink's own restart-on-death path.
	cs.log.Warn("daemon: session %s: audio sink died with data still pending", cs.id)
}

// checkCompletion transitions EndingStream -> Completed once the ring is
// drained, and emits the completed frame exactly once.
func (cs *ClientSession) checkCompletion() bool {
	cs.mu.Lock()
	shouldComplete := cs.state == StateEndingStream && cs.ring.Available() == 0 && cs.ring.Finished() && !cs.completeSent
	if shouldComplete {
		cs.state = StateCompleted
		cs.completeSent = true
	}
	done := cs.state == StateCompleted || cs.state == StateStopped
	cs.mu.Unlock()

	if shouldComplete {
		cs.send(Message{Type: MessageCompleted, Timestamp: nowMillis()})
		cs.sink.Close()
	}
	return done
}

// Close stops the feeder goroutine, waits for it to exit, and tears down
// the audio sink.
func (cs *ClientSession) Close() {
	close(cs.stopCh)
	<-cs.doneCh
	cs.sink.Kill()
}
