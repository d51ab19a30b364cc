package protocol

import "time"

// AudioFrame represents PCM audio data streamed from an edge microphone.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// AudioChunk carries synthesized PCM to a playback target.
type AudioChunk struct {
	UtteranceID string `json:"utterance_id"`
	Target      string `json:"target"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Sequence    int    `json:"sequence"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// TTSStatus reports that an utterance finished or was interrupted.
type TTSStatus struct {
	UtteranceID string    `json:"utterance_id"`
	Target      string    `json:"target"`
	Completed   bool      `json:"completed"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SpeakRequest asks the player to speak text in a language.
type SpeakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// ListenCommand toggles live transcription.
type ListenCommand struct {
	Listening bool `json:"listening"`
}

// CommandReply answers request/reply control messages.
type CommandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RecognitionState mirrors the recognition controller for presentation clients.
type RecognitionState struct {
	Listening bool      `json:"listening"`
	Text      string    `json:"text"`
	Token     uint64    `json:"token"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTTSAudio         = "tts.audio"
	SubjectTTSDone          = "tts.done"
	SubjectSpeak            = "speech.speak"
	SubjectSpeakStop        = "speech.speak.stop"
	SubjectListen           = "speech.listen"
	SubjectTranscriptClear  = "speech.transcript.clear"
	SubjectRecognitionState = "speech.state"
)

// AudioFrameSubject is the subject an edge device publishes its microphone on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
