package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/speechpad/internal/language"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSynth struct {
	mu       sync.Mutex
	requests []SynthRequest
	hold     bool
	holdText string
	err      error
}

func (r *recordingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	hold, synthErr := r.hold || (r.holdText != "" && req.Text == r.holdText), r.err
	r.mu.Unlock()

	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if synthErr != nil {
			errs <- synthErr
			return
		}
		if hold {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		select {
		case chunks <- SynthChunk{UtteranceID: req.UtteranceID, SampleRate: 22050, Channels: 1, PCM: []byte{0, 0}, Final: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, errs
}

func (r *recordingSynth) last() SynthRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type finish struct {
	id      string
	outcome Outcome
}

type recordingSink struct {
	mu       sync.Mutex
	chunks   []SynthChunk
	finished chan finish
}

func newRecordingSink() *recordingSink {
	return &recordingSink{finished: make(chan finish, 8)}
}

func (s *recordingSink) Play(_ context.Context, chunk SynthChunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Finish(id string, outcome Outcome) error {
	s.finished <- finish{id: id, outcome: outcome}
	return nil
}

func (s *recordingSink) next(t *testing.T) finish {
	t.Helper()
	select {
	case f := <-s.finished:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for utterance to finish")
		return finish{}
	}
}

func newPlayer(t *testing.T, synth Synthesizer, sink Sink) *Player {
	t.Helper()
	p := NewPlayer(context.Background(), synth, sink, language.Supported(), newLogger())
	t.Cleanup(p.Close)
	return p
}

func TestSpeakForwardsTextAndVoice(t *testing.T) {
	synth := &recordingSynth{}
	sink := newRecordingSink()
	p := newPlayer(t, synth, sink)

	indonesian, err := language.Supported().Lookup("id")
	if err != nil {
		t.Fatal(err)
	}
	text := "  Selamat pagi!  "
	id := "utt-1"
	if err := p.SpeakWithID(id, text, indonesian); err != nil {
		t.Fatalf("speak: %v", err)
	}
	f := sink.next(t)
	if f.id != id || f.outcome != OutcomeCompleted {
		t.Fatalf("unexpected finish %+v", f)
	}
	req := synth.last()
	if req.Text != text || req.Voice != "id" {
		t.Fatalf("synthesizer got %+v, want text and voice unmodified", req)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.chunks) != 1 || sink.chunks[0].UtteranceID != id {
		t.Fatalf("expected one chunk for utterance, got %+v", sink.chunks)
	}
}

func TestSpeakEmptyText(t *testing.T) {
	synth := &recordingSynth{}
	sink := newRecordingSink()
	p := newPlayer(t, synth, sink)
	if err := p.Speak("", language.Default()); err != nil {
		t.Fatalf("empty text should be accepted: %v", err)
	}
	sink.next(t)
	if req := synth.last(); req.Text != "" || req.Voice != "en-US" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestSpeakUnsupportedLanguage(t *testing.T) {
	synth := &recordingSynth{}
	p := newPlayer(t, synth, newRecordingSink())
	err := p.Speak("hola", language.Language{Name: "Spanish", Code: "es-ES"})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.requests) != 0 {
		t.Fatal("unsupported language must not reach the synthesizer")
	}
}

func TestSpeakInterruptsPrevious(t *testing.T) {
	synth := &recordingSynth{holdText: "first"}
	sink := newRecordingSink()
	p := newPlayer(t, synth, sink)

	first, second := "utt-first", "utt-second"
	if err := p.SpeakWithID(first, "first", language.Default()); err != nil {
		t.Fatal(err)
	}
	if err := p.SpeakWithID(second, "second", language.Default()); err != nil {
		t.Fatal(err)
	}

	f := sink.next(t)
	if f.id != first || f.outcome != OutcomeInterrupted {
		t.Fatalf("first utterance should be interrupted, got %+v", f)
	}
	f = sink.next(t)
	if f.id != second || f.outcome != OutcomeCompleted {
		t.Fatalf("second utterance should complete, got %+v", f)
	}
}

func TestStopInterrupts(t *testing.T) {
	synth := &recordingSynth{hold: true}
	sink := newRecordingSink()
	p := newPlayer(t, synth, sink)
	if err := p.Speak("long story", language.Default()); err != nil {
		t.Fatal(err)
	}
	p.Stop()
	if f := sink.next(t); f.outcome != OutcomeInterrupted {
		t.Fatalf("expected interrupted, got %s", f.outcome)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.Speaking() {
		if time.Now().After(deadline) {
			t.Fatal("player should be idle after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSynthesisFailure(t *testing.T) {
	synth := &recordingSynth{err: errors.New("voice missing")}
	sink := newRecordingSink()
	p := newPlayer(t, synth, sink)
	if err := p.Speak("hello", language.Default()); err != nil {
		t.Fatalf("speak returns before synthesis: %v", err)
	}
	if f := sink.next(t); f.outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", f.outcome)
	}
}

func TestMockSynthChunks(t *testing.T) {
	synth := NewMockSynth(16000, 1, 40*time.Millisecond)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{UtteranceID: "u1", Text: "hi there", Voice: "en-US"})
	var got []SynthChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 || !got[len(got)-1].Final {
		t.Fatalf("expected a final chunk, got %d chunks", len(got))
	}
	if len(got[0].PCM) != 640*2 {
		t.Fatalf("expected 40ms of 16-bit audio, got %d bytes", len(got[0].PCM))
	}
}
