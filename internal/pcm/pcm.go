// Package pcm converts between go-audio buffers and 16-bit little-endian PCM.
package pcm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Append16 appends buf as signed 16-bit little-endian samples, rescaling
// from the buffer's source bit depth.
func Append16(dst []byte, buf *audio.IntBuffer) []byte {
	if buf == nil || len(buf.Data) == 0 {
		return dst
	}
	shift := 0
	if buf.SourceBitDepth > 16 {
		shift = buf.SourceBitDepth - 16
	}
	var scratch [2]byte
	for _, v := range buf.Data {
		if shift > 0 {
			v >>= shift
		} else if buf.SourceBitDepth == 8 {
			v = (v - 128) << 8
		}
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(scratch[:], uint16(int16(v)))
		dst = append(dst, scratch[:]...)
	}
	return dst
}

// Decode16 decodes signed 16-bit little-endian PCM.
func Decode16(pcm []byte, format audio.Format) (*audio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	f := format
	return &audio.IntBuffer{Format: &f, Data: samples, SourceBitDepth: 16}, nil
}

// WriteWAV encodes 16-bit PCM as a WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	buffer, err := Decode16(pcm, audio.Format{NumChannels: channels, SampleRate: sampleRate})
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
