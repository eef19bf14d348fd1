package ringbuffer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/localvoice/synthd/internal/coretypes"
)

func TestWriteReadRoundTrip(t *testing.T) {
	rb := New(8, 0)

	n, err := rb.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = %d, %v, want 5, nil", n, err)
	}

	got := rb.Read(5)
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Read() = %q, want %q", got, "hello")
	}
}

func TestGrowPreservesOrdering(t *testing.T) {
	rb := New(4, 0)

	rb.Write([]byte("ab"))
	rb.Read(1) // advance head so tail wraps on growth
	rb.Write([]byte("cdefgh"))

	got := rb.Read(rb.Available())
	if !bytes.Equal(got, []byte("bcdefgh")) {
		t.Fatalf("Read() after grow = %q, want %q", got, "bcdefgh")
	}
}

func TestWriteNeverDropsBelowCeiling(t *testing.T) {
	rb := New(4, 1024)

	total := 0
	for i := 0; i < 100; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 5)
		n, err := rb.Write(payload)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		total += n
	}

	if rb.Available() != total {
		t.Fatalf("Available() = %d, want %d (no bytes dropped)", rb.Available(), total)
	}
}

func TestWriteExceedsHardCeiling(t *testing.T) {
	rb := New(4, 8)

	_, err := rb.Write(bytes.Repeat([]byte{1}, 9))
	if !errors.Is(err, coretypes.ErrRingCapacityExceeded) {
		t.Fatalf("Write() error = %v, want ErrRingCapacityExceeded", err)
	}
}

func TestFinishedIsMonotonicUntilClear(t *testing.T) {
	rb := New(4, 0)

	if rb.Finished() {
		t.Fatal("new buffer should not be finished")
	}

	rb.MarkFinished()
	if !rb.Finished() {
		t.Fatal("expected finished after MarkFinished")
	}

	rb.Clear()
	if rb.Finished() {
		t.Fatal("expected Clear to reset finished flag")
	}
}

func TestReadNeverCrossesWriteCursor(t *testing.T) {
	rb := New(8, 0)
	rb.Write([]byte("abc"))

	got := rb.Read(10)
	if len(got) != 3 {
		t.Fatalf("Read(10) on 3 available bytes returned %d bytes", len(got))
	}
}

func TestSizePlusFreeEqualsCapacity(t *testing.T) {
	rb := New(16, 0)
	rb.Write([]byte("0123456789"))
	rb.Read(4)

	free := rb.Capacity() - rb.Available()
	if rb.Available()+free != rb.Capacity() {
		t.Fatalf("size(%d) + free(%d) != capacity(%d)", rb.Available(), free, rb.Capacity())
	}
}
