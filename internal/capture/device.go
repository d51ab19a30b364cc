// Package capture provides audio input devices that deliver captured audio to
// a single registered tap in fixed-size buffers.
package capture

import (
	"errors"

	"github.com/go-audio/audio"
)

// DefaultTapFrames is the buffer size, in frames, handed to taps.
const DefaultTapFrames = 1024

var (
	// ErrTapInstalled is returned when a tap is installed on a device that already has one.
	ErrTapInstalled = errors.New("tap already installed")
	// ErrInvalidTap is returned for a nil callback or a non-positive frame count.
	ErrInvalidTap = errors.New("invalid tap")
)

// TapFunc receives every captured buffer. It runs on the device's capture
// goroutine and must not block for long.
type TapFunc func(buf *audio.IntBuffer)

// Device is an audio input whose output is observed through a tap.
//
// Stop returns only once no tap callback is running, so every buffer captured
// before Stop has been delivered when it returns. A trailing partial buffer is
// flushed to the tap during Stop.
type Device interface {
	Format() audio.Format
	InstallTap(frames int, tap TapFunc) error
	RemoveTap()
	Start() error
	Stop()
}

// chunker regroups interleaved samples into buffers of a fixed frame count.
type chunker struct {
	format  audio.Format
	samples int
	pending []int
}

func newChunker(format audio.Format, frames int) *chunker {
	channels := format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	return &chunker{format: format, samples: frames * channels}
}

func (c *chunker) push(data []int, emit TapFunc) {
	c.pending = append(c.pending, data...)
	for len(c.pending) >= c.samples {
		chunk := make([]int, c.samples)
		copy(chunk, c.pending[:c.samples])
		c.pending = c.pending[c.samples:]
		emit(c.buffer(chunk))
	}
}

func (c *chunker) flush(emit TapFunc) {
	if len(c.pending) == 0 {
		return
	}
	chunk := append([]int(nil), c.pending...)
	c.pending = nil
	emit(c.buffer(chunk))
}

func (c *chunker) buffer(data []int) *audio.IntBuffer {
	f := c.format
	return &audio.IntBuffer{Format: &f, Data: data, SourceBitDepth: 16}
}
