// Package chunkseq implements the Chunk Sequencer (C7): it tags egress
// bytes with (segment_id, chunk_id, seq), builds the format header and
// silence primer that open every utterance's audio stream, and preserves
// exact sequence numbers across a recoverable replay.
package chunkseq

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/localvoice/synthd/internal/coretypes"
)

// SilencePrimerMs is the documented ~50ms of digital silence that opens
// every utterance, after the format header and before the first payload
// chunk.
const SilencePrimerMs = 50

// Sequencer assigns monotonic seq numbers and per-segment chunk ids. One
// Sequencer is scoped to exactly one utterance.
type Sequencer struct {
	mu            sync.Mutex
	nextSeq       uint64
	chunkCounters map[uint32]uint32
}

// New creates a fresh sequencer for a new utterance.
func New() *Sequencer {
	return &Sequencer{chunkCounters: make(map[uint32]uint32)}
}

// Tag assigns the next seq and the next chunk_id within segmentID, and
// returns the fully tagged chunk ready for delivery to the daemon.
func (s *Sequencer) Tag(segmentID uint32, payload []byte, isLastOfSegment, isLastOfUtterance bool) coretypes.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunkID := s.chunkCounters[segmentID]
	s.chunkCounters[segmentID] = chunkID + 1

	seq := s.nextSeq
	s.nextSeq++

	return coretypes.Chunk{
		SegmentID:         segmentID,
		ChunkID:           chunkID,
		Seq:               seq,
		Bytes:             payload,
		IsLastOfSegment:   isLastOfSegment,
		IsLastOfUtterance: isLastOfUtterance,
	}
}

// Retag reuses a prior chunk's exact (segment_id, chunk_id, seq) with new
// payload bytes. Stage C calls this when it must restart a partial segment
// after a recoverable downstream write failure — the sequence counter is
// not advanced, so the playback daemon's dedup-by-seq logic treats this as
// the same chunk, not a new one.
func (s *Sequencer) Retag(prior coretypes.Chunk, payload []byte) coretypes.Chunk {
	next := prior
	next.Bytes = payload
	return next
}

// PeekNextSeq returns the seq that the next Tag call will assign, useful
// for diagnostics and for a caller deciding whether a gap occurred.
func (s *Sequencer) PeekNextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Header builds a WAV RIFF header with placeholder sizes: the stream is
// open-ended (chunked transport or a live ring buffer), so the data and
// RIFF chunk sizes cannot be known up front. A placeholder of the maximum
// representable size is the accepted convention for a streamed WAV.
func Header(format coretypes.AudioFormat) []byte {
	byteRate := format.SampleRate * format.Channels * (format.BitDepth / 8)
	blockAlign := format.Channels * (format.BitDepth / 8)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF)) // placeholder RIFF size
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(format.BitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF)) // placeholder data size

	return buf.Bytes()
}

// SilencePrimer returns SilencePrimerMs worth of zeroed PCM in the given
// format — digital silence, which is a valid, decodable waveform.
func SilencePrimer(format coretypes.AudioFormat) []byte {
	bytesPerMs := format.BytesPerSecond() / 1000
	return make([]byte, bytesPerMs*SilencePrimerMs)
}
