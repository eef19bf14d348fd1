// Package daemon implements the Playback Daemon (C8): a long-lived
// WebSocket server that accepts concurrent client connections, each
// driving its own ring-buffered audio-sink session, plus a liveness health
// endpoint.
package daemon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only daemon
}

// Config controls the daemon's listen address and the audio-sink binary it
// spawns per client.
type Config struct {
	Addr        string
	SinkBinary  string
	AudioFormat coretypes.AudioFormat
}

// Daemon owns the WebSocket listener, the health endpoint, and the table
// of connected client sessions.
type Daemon struct {
	cfg Config
	log *logging.Logger

	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*wsSession
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	session *ClientSession
}

func (w *wsSession) Send(msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(msg)
}

// New creates a daemon. cfg.SinkBinary is the path to the cmd/audiosink
// executable; cfg.AudioFormat is the PCM layout every session assumes
// unless a frame's explicit format overrides it.
func New(cfg Config, log *logging.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log, sessions: make(map[string]*wsSession), startedAt: time.Now()}
}

// Handler builds the daemon's HTTP mux, exposed separately from Start so
// tests can drive it through httptest without binding a real port.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWebSocket)
	mux.HandleFunc("/health", d.handleHealth)
	return mux
}

// Start registers the daemon's HTTP handlers and serves until
// ListenAndServe returns an error. It blocks.
func (d *Daemon) Start() error {
	d.log.Info("daemon: listening on %s", d.cfg.Addr)
	return http.ListenAndServe(d.cfg.Addr, d.Handler())
}

func (d *Daemon) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("daemon: upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	ws := &wsSession{conn: conn}
	sink := NewAudioSink(execSinkLauncher(d.cfg.SinkBinary, d.cfg.AudioFormat.SampleRate, d.cfg.AudioFormat.Channels, d.cfg.AudioFormat.BitDepth))
	ws.session = NewClientSession(id, ws.Send, sink, d.cfg.AudioFormat, d.log)

	d.addSession(id, ws)
	defer d.removeSession(id)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			d.log.Info("daemon: session %s disconnected: %v", id, err)
			return
		}
		d.dispatch(ws, msg)
	}
}

func (d *Daemon) dispatch(ws *wsSession, msg Message) {
	switch msg.Type {
	case MessageControl:
		if msg.Data == nil {
			d.sendError(ws, "control frame missing data")
			return
		}
		if err := ws.session.HandleControl(msg.Data.Action); err != nil {
			d.sendError(ws, err.Error())
		}
	case MessageAudioChunk:
		d.handleAudioChunkFrame(ws, msg)
	case MessageEndStream:
		ws.session.HandleControl(ActionEndStream)
	case MessageHeartbeat:
		ws.Send(Message{Type: MessageHeartbeat, Timestamp: nowMillis()})
	default:
		d.sendError(ws, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (d *Daemon) handleAudioChunkFrame(ws *wsSession, msg Message) {
	if msg.Data == nil || msg.Data.Chunk == "" {
		d.sendError(ws, "audio_chunk frame missing data.chunk")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Data.Chunk)
	if err != nil {
		d.log.Warn("daemon: malformed base64 audio_chunk, dropping frame: %v", err)
		return
	}
	ws.session.HandleAudioChunk(coretypes.Chunk{
		SegmentID:         msg.Data.SegmentID,
		ChunkID:           msg.Data.ChunkID,
		Seq:               msg.Data.Seq,
		Bytes:             raw,
		IsLastOfUtterance: msg.Data.IsLast,
	})
}

func (d *Daemon) sendError(ws *wsSession, text string) {
	ws.Send(Message{
		Type:      MessageError,
		Timestamp: nowMillis(),
		Data:      &MessageData{Message: text},
	})
}

func (d *Daemon) addSession(id string, ws *wsSession) {
	d.mu.Lock()
	d.sessions[id] = ws
	d.mu.Unlock()
}

func (d *Daemon) removeSession(id string) {
	d.mu.Lock()
	ws, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if ok {
		ws.session.Close()
		ws.conn.Close()
	}
}

// ClientCount returns the number of currently connected clients, surfaced
// on the health endpoint.
func (d *Daemon) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime"`
	Clients        int    `json:"clients"`
	AudioProcessor string `json:"audioProcessor"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		Version:        Version,
		UptimeSeconds:  int64(time.Since(d.startedAt).Seconds()),
		Clients:        d.ClientCount(),
		AudioProcessor: d.cfg.SinkBinary,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Version is the daemon's reported build version.
var Version = "dev"
