package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyListening is returned by Activate while a session is live.
	ErrAlreadyListening = errors.New("recognition session already listening")
	// ErrNotAuthorized is returned by Activate when recognition was not authorized.
	ErrNotAuthorized = errors.New("speech recognition not authorized")
	// ErrStaleResult marks a recognition result delivered for a session that has
	// already been torn down.
	ErrStaleResult = errors.New("recognition result from a finished session")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("recognition controller closed")
)

// DeviceStartError reports that the audio input could not be started.
type DeviceStartError struct {
	Err error
}

func (e *DeviceStartError) Error() string {
	return fmt.Sprintf("start audio input: %v", e.Err)
}

func (e *DeviceStartError) Unwrap() error { return e.Err }

// RecognitionError reports a failure from the recognition capability.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }
