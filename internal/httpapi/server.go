// Package httpapi implements the loopback HTTP synthesis endpoint: a
// single POST handler that accepts a text-to-speech request and returns
// either a fully-buffered audio payload or a chunked streaming body
// beginning with a format header and ~50ms of silence, per the documented
// external interface contract.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/localvoice/synthd/internal/coretypes"
	"github.com/localvoice/synthd/internal/logging"
	"github.com/localvoice/synthd/internal/metrics"
	"github.com/localvoice/synthd/internal/scheduler"
	"github.com/localvoice/synthd/internal/segment"
)

// SchedulerFactory builds a fresh scheduler for one utterance. The engine
// composition root supplies this so httpapi never constructs a
// scheduler.Deps itself.
type SchedulerFactory func() *scheduler.Scheduler

// Options configures the handler. Window and OnRequest are optional.
type Options struct {
	NewScheduler    SchedulerFactory
	SegmentConfig   segment.Config
	Format          coretypes.AudioFormat
	MaxTextBytes    int
	RequestTimeout  time.Duration
	Window          *metrics.Window // nil disables SLO-gate sample recording
	Log             *logging.Logger
	// OnRequest, if set, is called once per accepted synthesis request —
	// the lifecycle manager uses this to suppress keep-alive pings during
	// active use.
	OnRequest func()
}

type handler struct {
	opts Options
}

// NewHandler builds the loopback HTTP mux: /health and POST /synthesize.
func NewHandler(opts Options) http.Handler {
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = 8192
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}

	h := &handler{opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/synthesize", h.handleSynthesize)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": buildVersion()})
}

type synthesizeRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
	Lang   string  `json:"lang"`
	Stream bool    `json:"stream"`
	Format string  `json:"format"` // "wav" or "pcm"
}

func (h *handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "text field is required")
		return
	}
	if len(req.Text) > h.opts.MaxTextBytes {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.MaxTextBytes))
		return
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}
	if req.Speed < 0.25 || req.Speed > 4.0 {
		writeError(w, http.StatusUnprocessableEntity, "speed must be within [0.25, 4.0]")
		return
	}
	wantPCM := req.Format == "pcm"

	segments := segment.Segment(req.Text, h.opts.SegmentConfig)
	if len(segments) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "text produced no synthesizable segments")
		return
	}

	utt := coretypes.Utterance{
		ID: uuid.NewString(),
		Config: coretypes.UtteranceConfig{
			Voice:  req.Voice,
			Speed:  req.Speed,
			Lang:   req.Lang,
			Format: h.opts.Format,
		},
		Segments:   segments,
		AcceptedAt: time.Now(),
	}

	if h.opts.OnRequest != nil {
		h.opts.OnRequest()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	sched := h.opts.NewScheduler()
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx, utt) }()

	inFlight := metrics.NewInFlight(utt.AcceptedAt)

	if req.Stream {
		h.streamResponse(w, r, sched, inFlight, wantPCM)
	} else {
		h.bufferedResponse(w, r, sched, inFlight, wantPCM)
	}

	if err := <-errCh; err != nil {
		h.opts.Log.Warn("httpapi: utterance %s: %v", utt.ID, err)
	}
	h.recordSample(inFlight)
}

// streamResponse writes the format header (if wav) then flushes each chunk
// to the client as it arrives, lowering time-to-first-byte at the cost of
// the response no longer carrying a Content-Length.
func (h *handler) streamResponse(w http.ResponseWriter, r *http.Request, sched *scheduler.Scheduler, inFlight *metrics.InFlight, wantPCM bool) {
	w.Header().Set("Content-Type", contentType(wantPCM))
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	first := true
	bytesPerMs := float64(h.opts.Format.BytesPerSecond()) / 1000.0

	for chunk := range sched.Out() {
		isHeader := first
		first = false

		if isHeader && wantPCM {
			// Drop the WAV header chunk entirely; the silence primer and
			// everything after is raw PCM.
			continue
		}
		if _, err := w.Write(chunk.Bytes); err != nil {
			h.opts.Log.Warn("httpapi: write to client failed: %v", err)
			return
		}
		if canFlush {
			flusher.Flush()
		}
		// The header is pure wire framing with no playable duration: it
		// never counts toward TTFA or accumulated audio time, in either
		// format, so a request's measured latency doesn't depend on
		// whether the client asked for a wav or pcm response.
		if isHeader {
			continue
		}
		now := time.Now()
		if len(chunk.Bytes) > 0 && bytesPerMs > 0 {
			durMs := float64(len(chunk.Bytes)) / bytesPerMs
			inFlight.RecordFirstChunk(now)
			inFlight.RecordChunk(now, durMs)
		}
	}
	_ = r
}

// bufferedResponse drains the scheduler fully before writing a single
// well-formed payload with a correctly-sized header (wav) or raw PCM (pcm).
func (h *handler) bufferedResponse(w http.ResponseWriter, r *http.Request, sched *scheduler.Scheduler, inFlight *metrics.InFlight, wantPCM bool) {
	var audio []byte
	first := true
	bytesPerMs := float64(h.opts.Format.BytesPerSecond()) / 1000.0

	for chunk := range sched.Out() {
		if first {
			first = false
			continue // the WAV header placeholder is never part of the payload here
		}
		audio = append(audio, chunk.Bytes...)
		now := time.Now()
		if len(chunk.Bytes) > 0 && bytesPerMs > 0 {
			durMs := float64(len(chunk.Bytes)) / bytesPerMs
			inFlight.RecordFirstChunk(now)
			inFlight.RecordChunk(now, durMs)
		}
	}

	var payload []byte
	if wantPCM {
		payload = audio
	} else {
		payload = append(fixedWAVHeader(h.opts.Format, len(audio)), audio...)
	}

	w.Header().Set("Content-Type", contentType(wantPCM))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
	_ = r
}

func (h *handler) recordSample(inFlight *metrics.InFlight) {
	if h.opts.Window == nil {
		return
	}
	h.opts.Window.Record(inFlight.Finish())
}

func contentType(wantPCM bool) string {
	if wantPCM {
		return "application/octet-stream"
	}
	return "audio/wav"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
