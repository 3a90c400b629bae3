package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-lessons/internal/audio"
	"github.com/loqalabs/loqa-lessons/internal/config"
	_ "modernc.org/sqlite"
)

// Retention modes accepted by journal.retention_mode.
const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned by GetRun for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// Run is one build of a lesson file.
type Run struct {
	ID         string
	Lesson     string
	Input      string
	Status     string
	Phrases    int
	TargetOnly int
	Failed     int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Event is a timeline entry recorded during a run.
type Event struct {
	ID        int64
	RunID     string
	Type      string
	Kind      string
	Index     int
	Payload   []byte
	CreatedAt time.Time
}

// ClipKey identifies a synthesized clip. Two requests with the same key
// produce interchangeable audio.
type ClipKey struct {
	Text         string
	Voice        string
	Model        string
	Instructions string
}

// Hash returns the cache key used in the clips table.
func (k ClipKey) Hash() string {
	h := sha256.New()
	for _, part := range []string{k.Text, k.Voice, k.Model, k.Instructions} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the SQLite-backed record of runs, their events and the clip cache.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. In ephemeral mode no
// database is created and every method is a no-op.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// synthesis workers write concurrently; sqlite wants a single writer
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

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    lesson TEXT NOT NULL,
    input_path TEXT,
    status TEXT NOT NULL,
    phrases INTEGER NOT NULL DEFAULT 0,
    target_only INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    phrase_kind TEXT,
    phrase_index INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at);
CREATE TABLE IF NOT EXISTS clips (
    cache_key TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    voice TEXT,
    model TEXT,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    pcm BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    last_used_at INTEGER NOT NULL
);
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

// Enabled reports whether a database backs the journal.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartRun records a run in the running state.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, lesson, input_path, status, started_at) VALUES(?, ?, ?, ?, ?)`,
		run.ID, run.Lesson, run.Input, StatusRunning, run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, phrases = ?, target_only = ?, failed = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		run.Status, run.Phrases, run.TargetOnly, run.Failed, run.Error, run.FinishedAt.UnixMilli(), run.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	if !s.Enabled() {
		return Run{}, ErrRunNotFound
	}
	var (
		r              Run
		input, errText sql.NullString
		started        int64
		finished       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, lesson, input_path, status, phrases, target_only, failed, error, started_at, finished_at
		 FROM runs WHERE run_id = ?`, id).
		Scan(&r.ID, &r.Lesson, &input, &r.Status, &r.Phrases, &r.TargetOnly, &r.Failed, &errText, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Input = input.String
	r.Error = errText.String
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return r, nil
}

// AppendEvent writes an event into the run timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, event_type, phrase_kind, phrase_index, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.RunID, evt.Type, evt.Kind, evt.Index, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListRunEvents retrieves up to limit events for a run in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, phrase_kind, phrase_index, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			kind    sql.NullString
			index   sql.NullInt64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &kind, &index, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Kind = kind.String
		e.Index = int(index.Int64)
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// LookupClip returns a previously stored clip for key.
func (s *Store) LookupClip(ctx context.Context, key ClipKey) (audio.Clip, bool, error) {
	if !s.Enabled() {
		return audio.Clip{}, false, nil
	}
	hash := key.Hash()
	var (
		rate, channels int
		pcm            []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sample_rate, channels, pcm FROM clips WHERE cache_key = ?`, hash).
		Scan(&rate, &channels, &pcm)
	if errors.Is(err, sql.ErrNoRows) {
		return audio.Clip{}, false, nil
	}
	if err != nil {
		return audio.Clip{}, false, fmt.Errorf("lookup clip: %w", err)
	}
	clip, err := audio.FromPCM16LE(pcm, audio.Format{SampleRate: rate, Channels: channels}, "cache:"+hash[:12])
	if err != nil {
		return audio.Clip{}, false, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE clips SET last_used_at = ? WHERE cache_key = ?`, s.clock().UnixMilli(), hash); err != nil {
		s.log.Warn("failed to touch cached clip", slog.String("error", err.Error()))
	}
	return clip, true, nil
}

// StoreClip caches a synthesized clip under key, replacing any previous entry.
func (s *Store) StoreClip(ctx context.Context, key ClipKey, clip audio.Clip) error {
	if !s.Enabled() {
		return nil
	}
	now := s.clock().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clips(cache_key, text, voice, model, sample_rate, channels, pcm, created_at, last_used_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET sample_rate=excluded.sample_rate, channels=excluded.channels,
		   pcm=excluded.pcm, last_used_at=excluded.last_used_at`,
		key.Hash(), key.Text, key.Voice, key.Model, clip.Format.SampleRate, clip.Format.Channels, clip.PCM16LE(), now, now)
	if err != nil {
		return fmt.Errorf("store clip: %w", err)
	}
	return nil
}

// Prune applies configured retention (called on startup and can be scheduled).
// Session mode also drops cached clips that were not used within the window.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != RetentionPersistent && s.cfg.RetentionMode != RetentionSession {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if s.cfg.RetentionMode == RetentionSession {
			if _, err = tx.ExecContext(ctx, `DELETE FROM clips WHERE last_used_at < ?`, cutoff); err != nil {
				return err
			}
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == RetentionEphemeral && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
