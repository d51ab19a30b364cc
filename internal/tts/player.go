package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/speechpad/internal/language"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultUtteranceTimeout = 45 * time.Second

// Player speaks one utterance at a time. A new Speak interrupts whatever is
// still playing and replaces it.
type Player struct {
	synth     Synthesizer
	sink      Sink
	languages language.Set
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	current *utterance
	closed  bool

	spoken      metric.Int64Counter
	interrupted metric.Int64Counter
}

type utterance struct {
	id     string
	text   string
	voice  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayer(parent context.Context, synth Synthesizer, sink Sink, languages language.Set, logger *slog.Logger) *Player {
	ctx, cancel := context.WithCancel(parent)
	p := &Player{
		synth:     synth,
		sink:      sink,
		languages: languages,
		timeout:   defaultUtteranceTimeout,
		logger:    logger.With(slog.String("component", "tts-player")),
		tracer:    otel.Tracer("github.com/loqalabs/speechpad/tts"),
		ctx:       ctx,
		cancel:    cancel,
	}
	meter := otel.Meter("github.com/loqalabs/speechpad/tts")
	var err error
	if p.spoken, err = meter.Int64Counter("speechpad.tts.utterances", metric.WithDescription("Utterances handed to the synthesizer")); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if p.interrupted, err = meter.Int64Counter("speechpad.tts.interrupted", metric.WithDescription("Utterances cut short by a newer one or Stop")); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

// Speak hands text and the language code to the synthesizer and returns
// without waiting for playback. Empty text is forwarded as is.
func (p *Player) Speak(text string, lang language.Language) error {
	return p.SpeakWithID(uuid.NewString(), text, lang)
}

// SpeakWithID is Speak with a caller-chosen utterance id, which the sink
// reports the outcome under.
func (p *Player) SpeakWithID(id, text string, lang language.Language) error {
	if !p.languages.Contains(lang) {
		return ErrUnsupportedLanguage
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	u := &utterance{
		id:     id,
		text:   text,
		voice:  lang.Code,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	prev := p.current
	p.current = u
	p.wg.Add(1)
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go p.play(u, prev)
	return nil
}

// Stop interrupts the current utterance, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	u := p.current
	p.mu.Unlock()
	if u != nil {
		u.cancel()
	}
}

// Speaking reports whether an utterance is still playing.
func (p *Player) Speaking() bool {
	p.mu.Lock()
	u := p.current
	p.mu.Unlock()
	if u == nil {
		return false
	}
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Player) play(u *utterance, prev *utterance) {
	defer p.wg.Done()
	defer close(u.done)
	defer u.cancel()

	// The previous utterance reports its outcome before this one produces audio.
	if prev != nil {
		<-prev.done
	}

	ctx, span := p.tracer.Start(u.ctx, "tts.utterance", trace.WithAttributes(
		attribute.String("utterance.id", u.id),
		attribute.String("voice", u.voice),
		attribute.Int("text.length", len(u.text)),
	))
	defer span.End()

	if p.spoken != nil {
		p.spoken.Add(ctx, 1, metric.WithAttributes(attribute.String("voice", u.voice)))
	}
	start := time.Now()
	outcome, err := p.stream(ctx, u)
	switch outcome {
	case OutcomeInterrupted:
		if p.interrupted != nil {
			p.interrupted.Add(context.Background(), 1)
		}
		p.logger.Debug("utterance interrupted", slog.String("utterance_id", u.id))
	case OutcomeFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("tts synthesis error", slog.String("utterance_id", u.id), slogError(err))
	default:
		p.logger.Debug("utterance complete",
			slog.String("utterance_id", u.id),
			slog.Duration("latency", time.Since(start)))
	}
	if err := p.sink.Finish(u.id, outcome); err != nil {
		p.logger.Warn("failed to report utterance outcome", slogError(err))
	}
}

func (p *Player) stream(ctx context.Context, u *utterance) (Outcome, error) {
	chunks, errs := p.synth.Synthesize(ctx, SynthRequest{UtteranceID: u.id, Text: u.text, Voice: u.voice})
	sequence := 0
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.UtteranceID = u.id
			chunk.Sequence = sequence
			sequence++
			if err := p.sink.Play(ctx, chunk); err != nil {
				if ctx.Err() != nil {
					return interruptedOrFailed(ctx)
				}
				return OutcomeFailed, err
			}
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			return interruptedOrFailed(ctx)
		}
	}
	if ctx.Err() != nil {
		return interruptedOrFailed(ctx)
	}
	if synthErr != nil {
		return OutcomeFailed, synthErr
	}
	return OutcomeCompleted, nil
}

func interruptedOrFailed(ctx context.Context) (Outcome, error) {
	if ctx.Err() == context.DeadlineExceeded {
		return OutcomeFailed, ctx.Err()
	}
	return OutcomeInterrupted, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
