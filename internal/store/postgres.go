package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"container-job-runner/internal/models"
)

// Store wraps pgxpool for run history persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunStarted inserts the run row before the job is submitted.
func (s *Store) RunStarted(ctx context.Context, spec models.JobSpec) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (name, image, state, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO NOTHING
	`, spec.Name, spec.Image, models.StatePending)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// AppendEvent adds a lifecycle audit row.
func (s *Store) AppendEvent(ctx context.Context, name, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_run_events (job_name, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, name, event, detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RunFinished stores the final result.
func (s *Store) RunFinished(ctx context.Context, r models.JobResult) error {
	var exit pgtype.Int4
	if r.ExitCode != nil {
		exit = pgtype.Int4{Int32: int32(*r.ExitCode), Valid: true}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET state = $2, exit_code = $3, success = $4, message = $5, logs = $6, finished_at = NOW()
		WHERE name = $1
	`, r.JobName, r.State, exit, r.Success, emptyToNil(r.Message), r.Logs)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// GetRun loads a run and its events in recorded order.
func (s *Store) GetRun(ctx context.Context, name string) (models.RunRecord, error) {
	var (
		rec     models.RunRecord
		exit    pgtype.Int4
		success pgtype.Bool
		message pgtype.Text
		logs    pgtype.Text
		done    pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT name, image, state, exit_code, success, message, logs, started_at, finished_at
		FROM job_runs WHERE name = $1
	`, name).Scan(&rec.Name, &rec.Image, &rec.State, &exit, &success, &message, &logs, &rec.StartedAt, &done)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunRecord{}, fmt.Errorf("run %s: %w", name, models.ErrRunNotFound)
	}
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	if exit.Valid {
		rec.ExitCode = models.IntPtr(int(exit.Int32))
	}
	if success.Valid {
		rec.Success = &success.Bool
	}
	rec.Message = textPtr(message)
	rec.Logs = textPtr(logs)
	if done.Valid {
		rec.FinishedAt = &done.Time
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event, detail, ts FROM job_run_events WHERE job_name = $1 ORDER BY ts, id
	`, name)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RunEvent, error) {
		var ev models.RunEvent
		err := row.Scan(&ev.Event, &ev.Detail, &ev.Recorded)
		return ev, err
	})
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("scan events: %w", err)
	}
	rec.Events = events
	return rec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
