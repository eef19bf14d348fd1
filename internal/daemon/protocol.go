package daemon

import "time"

// MessageType enumerates the documented WebSocket frame types, both
// client-originated and server-originated.
type MessageType string

const (
	MessageControl        MessageType = "control"
	MessageAudioChunk     MessageType = "audio_chunk"
	MessageEndStream      MessageType = "end_stream"
	MessageHeartbeat      MessageType = "heartbeat"
	MessageTimingAnalysis MessageType = "timing_analysis"
	MessageStatus         MessageType = "status"
	MessageCompleted      MessageType = "completed"
	MessageError          MessageType = "error"
)

// ControlAction enumerates the documented control.data.action values.
type ControlAction string

const (
	ActionPlay      ControlAction = "play"
	ActionPause     ControlAction = "pause"
	ActionResume    ControlAction = "resume"
	ActionStop      ControlAction = "stop"
	ActionEndStream ControlAction = "end_stream"
)

// AudioFrameFormat is the optional explicit format carried on an
// audio_chunk frame, overriding the session's default.
type AudioFrameFormat struct {
	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`
	BitDepth   int `json:"bit_depth,omitempty"`
}

// MessageData is the tagged union of payloads a Message may carry,
// flattened across every frame type the protocol defines. Only the fields
// relevant to Type are populated; unused fields are omitted from JSON.
type MessageData struct {
	Action    ControlAction     `json:"action,omitempty"`
	Chunk     string            `json:"chunk,omitempty"` // base64 PCM, audio_chunk frames only
	Format    *AudioFrameFormat `json:"format,omitempty"`
	SegmentID uint32            `json:"segment_id,omitempty"`
	ChunkID   uint32            `json:"chunk_id,omitempty"`
	Seq       uint64            `json:"seq,omitempty"`
	IsLast    bool              `json:"is_last,omitempty"`
	State     string            `json:"state,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Message is the single wire struct for every client<->server frame, per
// the documented `{type, timestamp, data?}` envelope.
type Message struct {
	Type      MessageType  `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Data      *MessageData `json:"data,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
