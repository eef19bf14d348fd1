package chunkseq

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/localvoice/synthd/internal/coretypes"
)

func TestHeaderRIFFLayout(t *testing.T) {
	format := coretypes.DefaultAudioFormat()
	h := Header(format)

	if len(h) != 44 {
		t.Fatalf("header length = %d, want 44", len(h))
	}
	if !bytes.Equal(h[0:4], []byte("RIFF")) {
		t.Fatalf("missing RIFF tag")
	}
	if !bytes.Equal(h[8:12], []byte("WAVE")) {
		t.Fatalf("missing WAVE tag")
	}
	if !bytes.Equal(h[12:16], []byte("fmt ")) {
		t.Fatalf("missing fmt tag")
	}
	fmtSize := binary.LittleEndian.Uint32(h[16:20])
	if fmtSize != 16 {
		t.Fatalf("fmt chunk size = %d, want 16", fmtSize)
	}
	audioFormat := binary.LittleEndian.Uint16(h[20:22])
	if audioFormat != 1 {
		t.Fatalf("audio format = %d, want 1 (PCM)", audioFormat)
	}
	channels := binary.LittleEndian.Uint16(h[22:24])
	if int(channels) != format.Channels {
		t.Fatalf("channels = %d, want %d", channels, format.Channels)
	}
	sampleRate := binary.LittleEndian.Uint32(h[24:28])
	if int(sampleRate) != format.SampleRate {
		t.Fatalf("sampleRate = %d, want %d", sampleRate, format.SampleRate)
	}
	if !bytes.Equal(h[36:40], []byte("data")) {
		t.Fatalf("missing data tag")
	}
}

func TestSilencePrimerDuration(t *testing.T) {
	format := coretypes.DefaultAudioFormat()
	primer := SilencePrimer(format)

	wantBytes := (format.BytesPerSecond() / 1000) * SilencePrimerMs
	if len(primer) != wantBytes {
		t.Fatalf("primer length = %d, want %d", len(primer), wantBytes)
	}
	for _, b := range primer {
		if b != 0 {
			t.Fatalf("primer is not digital silence")
		}
	}
}

func TestSeqIsMonotonicAcrossSegments(t *testing.T) {
	s := New()

	c0 := s.Tag(0, []byte("a"), false, false)
	c1 := s.Tag(0, []byte("b"), true, false)
	c2 := s.Tag(1, []byte("c"), true, true)

	if c0.Seq != 0 || c1.Seq != 1 || c2.Seq != 2 {
		t.Fatalf("seq not monotonic: %d, %d, %d", c0.Seq, c1.Seq, c2.Seq)
	}
}

func TestChunkIDResetsPerSegment(t *testing.T) {
	s := New()

	a0 := s.Tag(0, nil, false, false)
	a1 := s.Tag(0, nil, true, false)
	b0 := s.Tag(1, nil, true, true)

	if a0.ChunkID != 0 || a1.ChunkID != 1 {
		t.Fatalf("segment 0 chunk ids = %d, %d, want 0, 1", a0.ChunkID, a1.ChunkID)
	}
	if b0.ChunkID != 0 {
		t.Fatalf("segment 1 first chunk id = %d, want 0", b0.ChunkID)
	}
}

func TestRetagReusesExactPriorNumbers(t *testing.T) {
	s := New()

	orig := s.Tag(3, []byte("partial"), false, false)
	next := s.Tag(3, []byte("next"), true, false)

	retried := s.Retag(orig, []byte("partial-retry"))

	if retried.Seq != orig.Seq || retried.SegmentID != orig.SegmentID || retried.ChunkID != orig.ChunkID {
		t.Fatalf("Retag changed identity: got %+v, want seq/segment/chunk of %+v", retried, orig)
	}
	if !bytes.Equal(retried.Bytes, []byte("partial-retry")) {
		t.Fatalf("Retag did not replace payload bytes")
	}
	// Retag must not have consumed a sequence number: the next fresh Tag
	// call continues from where it left off, unaffected by the replay.
	after := s.Tag(3, []byte("more"), true, true)
	if after.Seq != next.Seq+1 {
		t.Fatalf("Retag perturbed the sequence counter: after.Seq = %d, want %d", after.Seq, next.Seq+1)
	}
}

func TestPeekNextSeqMatchesNextTag(t *testing.T) {
	s := New()
	s.Tag(0, nil, false, false)
	s.Tag(0, nil, true, true)

	peeked := s.PeekNextSeq()
	got := s.Tag(1, nil, true, true)
	if got.Seq != peeked {
		t.Fatalf("PeekNextSeq() = %d, but next Tag assigned %d", peeked, got.Seq)
	}
}
