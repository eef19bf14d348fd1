// Command audiosink is the child process the playback daemon spawns to
// turn a raw PCM stream on stdin into sound: it reads bytes as fast as
// they arrive into a ring buffer and a malgo playback device drains that
// buffer on its own callback cadence, padding with silence on underrun
// rather than blocking the audio thread.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/localvoice/synthd/internal/ringbuffer"
)

func main() {
	rate := flag.Int("rate", 24000, "PCM sample rate in Hz")
	channels := flag.Int("channels", 1, "PCM channel count")
	bits := flag.Int("bits", 16, "PCM bit depth")
	bufferMs := flag.Int("buffer-ms", 2000, "ring buffer capacity in milliseconds of audio")
	flag.Parse()

	if err := run(*rate, *channels, *bits, *bufferMs); err != nil {
		log.Fatalf("audiosink: %v", err)
	}
}

func run(rate, channels, bits, bufferMs int) error {
	bytesPerSample := bits / 8
	bytesPerSecond := rate * channels * bytesPerSample
	bufCap := bytesPerSecond * bufferMs / 1000

	buf := ringbuffer.New(bufCap, 0)

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer ctx.Uninit() //nolint:errcheck

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = formatFor(bits)
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(rate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			n := copy(pOutput, buf.Read(len(pOutput)))
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0 // silence on underrun rather than stalling the callback
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	defer device.Stop() //nolint:errcheck

	if err := feed(os.Stdin, buf); err != nil {
		return err
	}
	drainBeforeExit(buf)
	return nil
}

// drainBeforeExit waits for the device callback to consume the last
// buffered bytes before the process exits, so a closed stdin doesn't cut
// off the tail of the stream the parent already handed over.
func drainBeforeExit(buf *ringbuffer.RingBuffer) {
	for buf.Available() > 0 {
		time.Sleep(20 * time.Millisecond)
	}
}

// feed copies stdin into buf until EOF or a broken pipe, one read at a
// time, so the parent's death or a closed stdin ends the process cleanly.
func feed(r io.Reader, buf *ringbuffer.RingBuffer) error {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, writeErr := buf.Write(chunk[:n]); writeErr != nil {
				return fmt.Errorf("buffer write: %w", writeErr)
			}
		}
		if err == io.EOF {
			buf.MarkFinished()
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

func formatFor(bits int) malgo.FormatType {
	switch bits {
	case 8:
		return malgo.FormatU8
	case 32:
		return malgo.FormatS32
	default:
		return malgo.FormatS16
	}
}
