// Package media slices raw PCM buffers into the fixed-size frames streamed to
// telephony clients.
package media

import "iter"

const (
	// SampleRate, BitDepth and Channels describe the single PCM format relayed
	// to clients: 8 kHz, signed 16-bit little-endian, mono.
	SampleRate = 8000
	BitDepth   = 16
	Channels   = 1

	// FrameBytes is 20ms of audio in that format.
	FrameBytes = SampleRate * (BitDepth / 8) * Channels / 50
)

// Frame is one slice of a PCM buffer. Sequence is 1-based within the buffer
// it was cut from. Payload aliases the source buffer.
type Frame struct {
	Sequence int
	Payload  []byte
}

// Frames returns a lazy sequence covering buf left to right in frames of at
// most size bytes. Only the final frame may be shorter. Each range over the
// result starts again from the first frame.
//
// Frames panics if size is not positive.
func Frames(buf []byte, size int) iter.Seq[Frame] {
	if size <= 0 {
		panic("media: frame size must be positive")
	}
	return func(yield func(Frame) bool) {
		seq := 0
		for off := 0; off < len(buf); off += size {
			end := min(off+size, len(buf))
			seq++
			if !yield(Frame{Sequence: seq, Payload: buf[off:end:end]}) {
				return
			}
		}
	}
}

// Count reports how many frames Frames yields for a buffer of n bytes.
func Count(n, size int) int {
	if size <= 0 {
		panic("media: frame size must be positive")
	}
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
