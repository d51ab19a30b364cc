// Package tts plays typed text through an external speech synthesis
// capability.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/speechpad/internal/config"
)

// ErrUnsupportedLanguage is returned by Speak for a language outside the
// configured set.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ErrClosed is returned by Speak after the player has been closed.
var ErrClosed = errors.New("player closed")

// SynthRequest is handed to the synthesis capability unmodified: Text as typed
// and Voice set to the language code.
type SynthRequest struct {
	UtteranceID string
	Text        string
	Voice       string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	UtteranceID string
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends; cancelling ctx stops synthesis early.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Outcome is how an utterance ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeInterrupted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// Sink plays synthesized audio.
type Sink interface {
	Play(ctx context.Context, chunk SynthChunk) error
	Finish(utteranceID string, outcome Outcome) error
}

// NewSynthesizer builds the configured synthesis backend.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond), nil
	}
}
