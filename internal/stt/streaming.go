package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/speechpad/internal/config"
	"github.com/loqalabs/speechpad/internal/pcm"
)

// DefaultPartialInterval paces partial results when none is configured.
const DefaultPartialInterval = 800 * time.Millisecond

// Streaming turns a batch Transcriber into a streaming Recognizer. While audio
// arrives it re-transcribes the whole buffer at most once per partial interval;
// after EndAudio it runs one final transcription.
type Streaming struct {
	transcriber  Transcriber
	partialEvery time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

func NewStreaming(transcriber Transcriber, cfg config.STTConfig, logger *slog.Logger) *Streaming {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	partialEvery := time.Duration(cfg.PartialEveryMS) * time.Millisecond
	if partialEvery <= 0 {
		partialEvery = DefaultPartialInterval
	}
	return &Streaming{
		transcriber:  transcriber,
		partialEvery: partialEvery,
		timeout:      timeout,
		logger:       logger.With(slog.String("component", "stt-streaming")),
	}
}

// NewRecognizer builds the configured streaming recognizer.
func NewRecognizer(cfg config.STTConfig, logger *slog.Logger) (*Streaming, error) {
	var transcriber Transcriber
	switch cfg.Mode {
	case "exec":
		t, err := NewExecTranscriber(cfg)
		if err != nil {
			return nil, err
		}
		transcriber = t
	default:
		transcriber = NewMockTranscriber()
	}
	return NewStreaming(transcriber, cfg, logger), nil
}

type bufferRequest struct {
	format  audio.Format
	partial bool
	notify  chan struct{}

	mu        sync.Mutex
	pcm       []byte
	version   int
	ended     bool
	submitted bool
}

func (s *Streaming) NewRequest(format audio.Format, partialResults bool) Request {
	return &bufferRequest{
		format:  format,
		partial: partialResults,
		notify:  make(chan struct{}, 1),
	}
}

func (r *bufferRequest) Append(buf *audio.IntBuffer) {
	if buf == nil {
		return
	}
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.pcm = pcm.Append16(r.pcm, buf)
	r.version++
	r.mu.Unlock()
	r.signal()
}

func (r *bufferRequest) EndAudio() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()
	r.signal()
}

func (r *bufferRequest) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *bufferRequest) snapshot() ([]byte, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.pcm...), r.version, r.ended
}

type streamingTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *streamingTask) Cancel() { t.cancel() }

// Done is closed once the task goroutine has exited.
func (t *streamingTask) Done() <-chan struct{} { return t.done }

func (s *Streaming) Recognize(ctx context.Context, req Request, handler ResultHandler) (Task, error) {
	br, ok := req.(*bufferRequest)
	if !ok {
		return nil, fmt.Errorf("request type %T not created by this recognizer", req)
	}
	if handler == nil {
		return nil, errors.New("result handler is required")
	}
	br.mu.Lock()
	if br.submitted {
		br.mu.Unlock()
		return nil, ErrRequestInUse
	}
	br.submitted = true
	br.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	task := &streamingTask{cancel: cancel, done: make(chan struct{})}
	go s.run(taskCtx, br, handler, task)
	return task, nil
}

func (s *Streaming) run(ctx context.Context, req *bufferRequest, handler ResultHandler, task *streamingTask) {
	defer close(task.done)

	var tick <-chan time.Time
	if req.partial {
		ticker := time.NewTicker(s.partialEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	lastVersion := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-req.notify:
			if _, _, ended := req.snapshot(); ended {
				s.finish(ctx, req, handler)
				return
			}
		case <-tick:
			pcm, version, ended := req.snapshot()
			if ended {
				s.finish(ctx, req, handler)
				return
			}
			if version == lastVersion || len(pcm) == 0 {
				continue
			}
			lastVersion = version
			result, err := s.transcribe(ctx, req, pcm, false)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				handler(Result{}, err)
				return
			}
			if result.Text == "" {
				continue
			}
			handler(Result{Text: result.Text, Confidence: result.Confidence}, nil)
		}
	}
}

func (s *Streaming) finish(ctx context.Context, req *bufferRequest, handler ResultHandler) {
	pcm, _, _ := req.snapshot()
	if len(pcm) == 0 {
		return
	}
	result, err := s.transcribe(ctx, req, pcm, true)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		handler(Result{}, err)
		return
	}
	if result.Text == "" {
		return
	}
	handler(Result{Text: result.Text, Final: true, Confidence: result.Confidence}, nil)
}

func (s *Streaming) transcribe(ctx context.Context, req *bufferRequest, pcm []byte, final bool) (TranscriptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	result, err := s.transcriber.Transcribe(ctx, pcm, req.format.SampleRate, req.format.NumChannels, final)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("transcribe: %w", err)
	}
	s.logger.Debug("transcription complete",
		slog.Bool("final", final),
		slog.Int("bytes", len(pcm)),
		slog.Duration("latency", time.Since(start)))
	return result, nil
}
