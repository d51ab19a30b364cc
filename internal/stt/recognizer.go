package stt

import (
	"context"
	"errors"

	"github.com/go-audio/audio"
)

// ErrRequestInUse is returned when a request is submitted to more than one task.
var ErrRequestInUse = errors.New("recognition request already submitted")

// Result is one recognition hypothesis. Text always holds the best full
// transcription so far, never a delta.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// ResultHandler receives results and terminal errors for a task. It may be
// called from any goroutine, including after the task has been cancelled.
type ResultHandler func(Result, error)

// Request is a streaming recognition request fed with captured audio.
type Request interface {
	Append(buf *audio.IntBuffer)
	EndAudio()
}

// Task is a running recognition over a request.
type Task interface {
	Cancel()
}

// Recognizer abstracts streaming STT backends.
type Recognizer interface {
	NewRequest(format audio.Format, partialResults bool) Request
	Recognize(ctx context.Context, req Request, handler ResultHandler) (Task, error)
}

// TranscriptResult captures batch transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber converts a complete PCM buffer into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
