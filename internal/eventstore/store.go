// Package eventstore is the SQLite journal of listening episodes and spoken
// utterances. In ephemeral mode nothing is written.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/speechpad/internal/config"
	_ "modernc.org/sqlite"
)

const (
	KindListen = "listen"
	KindSpeak  = "speak"
)

const (
	EventListenStart     = "listen.start"
	EventListenStop      = "listen.stop"
	EventListenError     = "listen.error"
	EventTranscriptFinal = "transcript.final"
	EventSpeak           = "speak"
	EventSpeakDone       = "speak.done"
)

// Episode is one listening session or one utterance.
type Episode struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Language  string    `json:"language,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64     `json:"id"`
	EpisodeID string    `json:"episode_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps foreign_keys applied to every statement.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	log.Info("journal opened", slog.String("path", cfg.Path), slog.String("retention", cfg.RetentionMode))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS episodes (
    episode_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    language TEXT,
    outcome TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    episode_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(episode_id) REFERENCES episodes(episode_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_episode_created ON events(episode_id, created_at);
CREATE INDEX IF NOT EXISTS idx_episodes_started ON episodes(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether anything is being recorded.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginEpisode records the start of an episode.
func (s *Store) BeginEpisode(ctx context.Context, ep Episode) error {
	if !s.Enabled() {
		return nil
	}
	if ep.StartedAt.IsZero() {
		ep.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes(episode_id, kind, language, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(episode_id) DO UPDATE SET kind=excluded.kind, language=excluded.language`,
		ep.ID, ep.Kind, ep.Language, ep.StartedAt.UnixNano())
	return err
}

// EndEpisode stamps an episode with its end time and outcome.
func (s *Store) EndEpisode(ctx context.Context, episodeID, outcome string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET ended_at = ?, outcome = ? WHERE episode_id = ?`,
		s.clock().UnixNano(), outcome, episodeID)
	return err
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(episode_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.EpisodeID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListEpisodeEvents retrieves up to limit events for an episode ordered ascending by time.
func (s *Store) ListEpisodeEvents(ctx context.Context, episodeID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, episode_id, event_type, payload, created_at
		 FROM events WHERE episode_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, episodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.EpisodeID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentEpisodes lists the newest episodes first.
func (s *Store) RecentEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, kind, COALESCE(language, ''), COALESCE(outcome, ''), started_at, COALESCE(ended_at, 0)
		 FROM episodes ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		var ep Episode
		var started, ended int64
		if err := rows.Scan(&ep.ID, &ep.Kind, &ep.Language, &ep.Outcome, &started, &ended); err != nil {
			return nil, err
		}
		ep.StartedAt = time.Unix(0, started).UTC()
		if ended > 0 {
			ep.EndedAt = time.Unix(0, ended).UTC()
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// Prune applies the configured retention once. Open calls it and RunRetention
// repeats it while the runtime is up.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE episode_id IN (
			SELECT episode_id FROM episodes ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunRetention prunes every interval until ctx is done. A non-positive interval
// or a disabled journal returns immediately.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
