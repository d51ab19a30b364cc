// Package control binds the utterance player and the recognition controller to
// the message bus so an external presentation layer can drive them.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/speechpad/internal/bus"
	"github.com/loqalabs/speechpad/internal/eventstore"
	"github.com/loqalabs/speechpad/internal/language"
	"github.com/loqalabs/speechpad/internal/protocol"
	"github.com/loqalabs/speechpad/internal/session"
	"github.com/nats-io/nats.go"
)

var (
	// ErrSpeakDisabled answers speak commands when synthesis is turned off.
	ErrSpeakDisabled = errors.New("speech synthesis disabled")
	// ErrListenDisabled answers listen commands when recognition is turned off.
	ErrListenDisabled = errors.New("speech recognition disabled")
)

// Speaker is the utterance player as seen by the bus.
type Speaker interface {
	SpeakWithID(id, text string, lang language.Language) error
	Stop()
}

// Listener is the recognition controller as seen by the bus.
type Listener interface {
	SetListening(listening bool) error
	Clear()
	Snapshot() session.Snapshot
	Subscribe(buffer int) (<-chan session.Event, func())
}

type Service struct {
	bus       *bus.Client
	speaker   Speaker
	listener  Listener
	languages language.Set
	journal   *eventstore.Store
	logger    *slog.Logger
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	unsubscribe func()

	mu      sync.Mutex
	episode string
	started bool
}

func NewService(parent context.Context, busClient *bus.Client, speaker Speaker, listener Listener, languages language.Set, journal *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		speaker:   speaker,
		listener:  listener,
		languages: languages,
		journal:   journal,
		logger:    logger.With(slog.String("component", "control")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSpeak, s.handleSpeak},
		{protocol.SubjectSpeakStop, s.handleSpeakStop},
		{protocol.SubjectListen, s.handleListen},
		{protocol.SubjectTranscriptClear, s.handleClear},
		{protocol.SubjectTTSDone, s.handleSpeakDone},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	events, unsubscribe := s.listener.Subscribe(64)
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go s.forward(events)

	s.publishState(s.listener.Snapshot(), nil)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.bus.Healthy()
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	if s.speaker == nil {
		s.reply(msg, ErrSpeakDisabled)
		return
	}
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("control failed to decode speak request", slogError(err))
		s.reply(msg, err)
		return
	}
	lang, err := s.resolveLanguage(req.Language)
	if err != nil {
		s.reply(msg, err)
		return
	}
	// The episode is opened first so the utterance's tts.done always finds it.
	id := uuid.NewString()
	s.record(eventstore.Episode{ID: id, Kind: eventstore.KindSpeak, Language: lang.Code}, eventstore.EventSpeak, []byte(req.Text))
	if err := s.speaker.SpeakWithID(id, req.Text, lang); err != nil {
		s.logger.Warn("speak rejected", slog.String("language", req.Language), slogError(err))
		s.endEpisode(id, "rejected")
		s.reply(msg, err)
		return
	}
	s.reply(msg, nil)
}

func (s *Service) resolveLanguage(value string) (language.Language, error) {
	if value == "" {
		return s.languages.Default(), nil
	}
	if lang, err := s.languages.Lookup(value); err == nil {
		return lang, nil
	}
	return s.languages.ByName(value)
}

func (s *Service) handleSpeakStop(msg *nats.Msg) {
	if s.speaker == nil {
		s.reply(msg, ErrSpeakDisabled)
		return
	}
	s.speaker.Stop()
	s.reply(msg, nil)
}

func (s *Service) handleSpeakDone(msg *nats.Msg) {
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		s.logger.Warn("control failed to decode tts status", slogError(err))
		return
	}
	outcome := "failed"
	switch {
	case status.Completed:
		outcome = "completed"
	case status.Interrupted:
		outcome = "interrupted"
	}
	s.appendEvent(status.UtteranceID, eventstore.EventSpeakDone, []byte(outcome))
	s.endEpisode(status.UtteranceID, outcome)
}

func (s *Service) handleListen(msg *nats.Msg) {
	if s.listener == nil {
		s.reply(msg, ErrListenDisabled)
		return
	}
	var cmd protocol.ListenCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("control failed to decode listen command", slogError(err))
		s.reply(msg, err)
		return
	}
	err := s.listener.SetListening(cmd.Listening)
	if err != nil {
		s.logger.Warn("listen command failed", slog.Bool("listening", cmd.Listening), slogError(err))
	}
	s.reply(msg, err)
}

func (s *Service) handleClear(msg *nats.Msg) {
	if s.listener == nil {
		s.reply(msg, ErrListenDisabled)
		return
	}
	s.listener.Clear()
	s.reply(msg, nil)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	resp := protocol.CommandReply{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	if respondErr := bus.RespondJSON(msg, resp); respondErr != nil {
		s.logger.Warn("failed to send reply", slogError(respondErr))
	}
}

func (s *Service) forward(events <-chan session.Event) {
	defer s.wg.Done()
	for evt := range events {
		s.publishState(evt.Snapshot, evt.Err)
		s.journalEvent(evt)
	}
}

func (s *Service) publishState(snap session.Snapshot, cause error) {
	state := protocol.RecognitionState{
		Listening: snap.Listening(),
		Text:      snap.Text,
		Token:     snap.Token,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		state.Error = cause.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectRecognitionState, state); err != nil {
		s.logger.Warn("failed to publish recognition state", slogError(err))
	}
}

func (s *Service) journalEvent(evt session.Event) {
	s.mu.Lock()
	episode := s.episode
	s.mu.Unlock()

	switch evt.Kind {
	case session.EventStateChanged:
		if evt.Snapshot.Listening() {
			id := uuid.NewString()
			s.mu.Lock()
			s.episode = id
			s.mu.Unlock()
			s.record(eventstore.Episode{ID: id, Kind: eventstore.KindListen}, eventstore.EventListenStart, nil)
			return
		}
		if episode != "" {
			s.appendTranscript(episode, evt.Snapshot.Text)
			s.appendEvent(episode, eventstore.EventListenStop, nil)
			s.closeListenEpisode(episode, "stopped")
		}
	case session.EventError:
		if episode == "" {
			return
		}
		var payload []byte
		if evt.Err != nil {
			payload = []byte(evt.Err.Error())
		}
		s.appendEvent(episode, eventstore.EventListenError, payload)
		if !evt.Snapshot.Listening() {
			s.appendTranscript(episode, evt.Snapshot.Text)
			s.closeListenEpisode(episode, "error")
		}
	}
}

// appendTranscript records the last transcript a listen episode accepted.
// Recognition is cancelled at teardown, so this is the episode's final text.
func (s *Service) appendTranscript(episode, text string) {
	if text == "" {
		return
	}
	s.appendEvent(episode, eventstore.EventTranscriptFinal, []byte(text))
}

func (s *Service) closeListenEpisode(episode, outcome string) {
	s.mu.Lock()
	if s.episode == episode {
		s.episode = ""
	}
	s.mu.Unlock()
	s.endEpisode(episode, outcome)
}

func (s *Service) record(ep eventstore.Episode, eventType string, payload []byte) {
	if !s.journal.Enabled() {
		return
	}
	if err := s.journal.BeginEpisode(s.ctx, ep); err != nil {
		s.logger.Warn("journal write failed", slog.String("episode", ep.ID), slogError(err))
		return
	}
	s.appendEvent(ep.ID, eventType, payload)
}

func (s *Service) appendEvent(episode, eventType string, payload []byte) {
	if !s.journal.Enabled() {
		return
	}
	if err := s.journal.AppendEvent(s.ctx, eventstore.Event{EpisodeID: episode, Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn("journal write failed", slog.String("episode", episode), slogError(err))
	}
}

func (s *Service) endEpisode(episode, outcome string) {
	if !s.journal.Enabled() {
		return
	}
	if err := s.journal.EndEpisode(s.ctx, episode, outcome); err != nil {
		s.logger.Warn("journal write failed", slog.String("episode", episode), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
