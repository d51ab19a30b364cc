package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

// mockSynth produces silence, one chunk per chunkDuration, roughly as long as
// the text would take to say.
type mockSynth struct {
	sampleRate    int
	channels      int
	chunkDuration time.Duration
}

const mockCharDuration = 60 * time.Millisecond

func NewMockSynth(sampleRate, channels int, chunkDuration time.Duration) Synthesizer {
	if chunkDuration <= 0 {
		chunkDuration = 400 * time.Millisecond
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkDuration: chunkDuration}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		total := time.Duration(utf8.RuneCountInString(req.Text)) * mockCharDuration
		count := int((total + m.chunkDuration - 1) / m.chunkDuration)
		if count == 0 {
			count = 1
		}
		frames := int(int64(m.sampleRate) * int64(m.chunkDuration) / int64(time.Second))
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.chunkDuration / 8):
			}
			chunk := SynthChunk{
				UtteranceID: req.UtteranceID,
				Sequence:    i,
				SampleRate:  m.sampleRate,
				Channels:    m.channels,
				PCM:         make([]byte, frames*m.channels*2),
				Final:       i == count-1,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
