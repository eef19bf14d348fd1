package httpapi

import (
	"bytes"
	"encoding/binary"

	"github.com/localvoice/synthd/internal/coretypes"
)

// fixedWAVHeader builds a WAV RIFF header carrying the real data size, for
// the buffered (non-streaming) response where the full payload is known
// before any bytes are written. This mirrors chunkseq.Header's layout with
// the placeholder sizes replaced by the true ones.
func fixedWAVHeader(format coretypes.AudioFormat, dataLen int) []byte {
	byteRate := format.SampleRate * format.Channels * (format.BitDepth / 8)
	blockAlign := format.Channels * (format.BitDepth / 8)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(format.BitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))

	return buf.Bytes()
}
