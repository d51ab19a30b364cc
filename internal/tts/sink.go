package tts

import (
	"context"
	"time"

	"github.com/loqalabs/speechpad/internal/bus"
	"github.com/loqalabs/speechpad/internal/protocol"
)

// BusSink streams audio to a playback target over the bus: chunks on
// tts.audio and one status message on tts.done per utterance.
type BusSink struct {
	bus    *bus.Client
	target string
}

func NewBusSink(client *bus.Client, target string) *BusSink {
	return &BusSink{bus: client, target: target}
}

func (s *BusSink) Play(_ context.Context, chunk SynthChunk) error {
	return s.bus.PublishJSON(protocol.SubjectTTSAudio, protocol.AudioChunk{
		UtteranceID: chunk.UtteranceID,
		Target:      s.target,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	})
}

func (s *BusSink) Finish(utteranceID string, outcome Outcome) error {
	return s.bus.PublishJSON(protocol.SubjectTTSDone, protocol.TTSStatus{
		UtteranceID: utteranceID,
		Target:      s.target,
		Completed:   outcome == OutcomeCompleted,
		Interrupted: outcome == OutcomeInterrupted,
		Timestamp:   time.Now().UTC(),
	})
}
