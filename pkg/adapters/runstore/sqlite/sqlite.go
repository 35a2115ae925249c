// Package sqlite implements the run store on an embedded SQLite database
// kept in the working directory. The completions table doubles as the
// artifact cache, keyed by (participant, stage, fingerprint), which is what
// makes runs idempotent and resumable across process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dwiprep/dwiprep/internal/domain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		started_at    TEXT NOT NULL,
		completed_at  TEXT,
		participants  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS stage_records (
		run_id        TEXT NOT NULL,
		participant   TEXT NOT NULL,
		stage_id      TEXT NOT NULL,
		fingerprint   TEXT NOT NULL,
		status        TEXT NOT NULL,
		cached        INTEGER NOT NULL DEFAULT 0,
		skip_reason   TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		started_at    TEXT,
		completed_at  TEXT,
		outputs       TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (run_id, participant, stage_id)
	);
	CREATE TABLE IF NOT EXISTS completions (
		participant   TEXT NOT NULL,
		stage_id      TEXT NOT NULL,
		fingerprint   TEXT NOT NULL,
		outputs       TEXT NOT NULL,
		recorded_at   TEXT NOT NULL,
		PRIMARY KEY (participant, stage_id, fingerprint)
	);
`

// Store is the SQLite-backed run store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (creating if needed) the database at path and applies the
// schema.
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store %s: %w", path, err)
	}
	// The scheduler is the only writer but the monitoring API reads
	// concurrently; WAL keeps readers from blocking it.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure run store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply run store schema: %w", err)
	}
	logger.Debug("run store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// CreateRun registers a new run record and its pending stage rows.
func (s *Store) CreateRun(ctx context.Context, rec *domain.RunRecord) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, started_at, participants) VALUES (?, ?, ?, ?)`,
		rec.RunID, string(rec.Status), rec.StartedAt.Format(time.RFC3339Nano), string(participants),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", rec.RunID, err)
	}
	for _, sr := range rec.Stages {
		if err := saveStageTx(ctx, tx, rec.RunID, sr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveStage upserts the record of one stage instance.
func (s *Store) SaveStage(ctx context.Context, runID string, rec *domain.StageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveStageTx(ctx, tx, runID, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func saveStageTx(ctx context.Context, tx *sql.Tx, runID string, rec *domain.StageRecord) error {
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_records
			(run_id, participant, stage_id, fingerprint, status, cached, skip_reason, error, started_at, completed_at, outputs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, participant, stage_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			cached = excluded.cached,
			skip_reason = excluded.skip_reason,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			outputs = excluded.outputs`,
		runID, string(rec.Participant), string(rec.Stage), rec.Fingerprint,
		string(rec.Status), boolInt(rec.Cached), rec.SkipReason, rec.Error,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), string(outputs),
	)
	if err != nil {
		return fmt.Errorf("upsert stage %s/%s: %w", rec.Participant, rec.Stage, err)
	}
	return nil
}

// FinishRun stores the terminal run and participant statuses.
func (s *Store) FinishRun(ctx context.Context, rec *domain.RunRecord) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, participants = ? WHERE run_id = ?`,
		string(rec.Status), nullTime(rec.CompletedAt), string(participants), rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", rec.RunID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return &domain.NotFoundError{What: "run", Key: rec.RunID}
	}
	return nil
}

// Lookup returns the completion record for (participant, stage,
// fingerprint), or nil on a miss.
func (s *Store) Lookup(ctx context.Context, p domain.ParticipantID, st domain.StageID, fingerprint string) (*domain.CompletionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT outputs, recorded_at FROM completions WHERE participant = ? AND stage_id = ? AND fingerprint = ?`,
		string(p), string(st), fingerprint,
	)

	var outputsJSON, recordedAt string
	if err := row.Scan(&outputsJSON, &recordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache lookup %s/%s: %w", p, st, err)
	}

	rec := &domain.CompletionRecord{Participant: p, Stage: st, Fingerprint: fingerprint}
	if err := json.Unmarshal([]byte(outputsJSON), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("decode cached outputs for %s/%s: %w", p, st, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
		rec.RecordedAt = t
	}
	return rec, nil
}

// Record stores one completion, replacing any previous entry for the same
// key.
func (s *Store) Record(ctx context.Context, rec *domain.CompletionRecord) error {
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO completions (participant, stage_id, fingerprint, outputs, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (participant, stage_id, fingerprint) DO UPDATE SET
			outputs = excluded.outputs,
			recorded_at = excluded.recorded_at`,
		string(rec.Participant), string(rec.Stage), rec.Fingerprint,
		string(outputs), rec.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record completion %s/%s: %w", rec.Participant, rec.Stage, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
