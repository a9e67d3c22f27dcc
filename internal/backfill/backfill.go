// Package backfill re-processes one phase across a municipality's
// stored meetings as a resumable batch job. Progress is a persisted
// cursor in the backfill_jobs table, so an interrupted job picks up
// where it stopped instead of starting over.
package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/store"
)

// State is the lifecycle of one backfill job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// Job is one (municipality, phase) backfill with its cursor.
type Job struct {
	ID              int64
	Municipality    string
	Phase           string
	State           State
	CursorMeetingID int64
	ClaimedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// ProcessFunc applies the backfilled phase to one meeting. It must be
// idempotent: a meeting may be processed again after a crash that hit
// between the work committing and the cursor advancing.
type ProcessFunc func(ctx context.Context, meeting *store.Meeting) error

// Stats reports one Run.
type Stats struct {
	Processed int
	Failed    int
	// Resumed is true when the job continued from a saved cursor.
	Resumed bool
}

const defaultBatchSize = 50

// Runner drives a backfill job to completion.
type Runner struct {
	store     *store.Store
	db        *sql.DB
	process   ProcessFunc
	logger    *slog.Logger
	batchSize int
}

// Option customizes a Runner.
type Option func(*Runner)

// WithBatchSize overrides how many meetings are loaded per page.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewRunner builds a runner over the shared store.
func NewRunner(st *store.Store, process ProcessFunc, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		store:     st,
		db:        st.DB(),
		process:   process,
		logger:    logger.With(logging.String("component", "backfill")),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run claims the (municipality, phase) job and processes meetings from
// the cursor forward. Per-meeting failures are logged and counted; the
// cursor still advances so one bad meeting cannot wedge the job. A
// context cancellation leaves the job running with its cursor intact.
func (r *Runner) Run(ctx context.Context, municipality, phase string) (Stats, error) {
	job, err := r.claim(ctx, municipality, phase)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Resumed: job.CursorMeetingID > 0}
	logger := logging.WithContext(ctx, r.logger).With(
		logging.String("municipality", municipality),
		logging.String("phase", phase),
		logging.Int64("cursor", job.CursorMeetingID))
	logger.Info("backfill started", logging.Bool("resumed", stats.Resumed))

	cursor := job.CursorMeetingID
	for {
		meetings, err := r.store.ListMeetingsAfter(ctx, municipality, cursor, r.batchSize)
		if err != nil {
			return stats, services.Wrap(services.ErrTransient, "backfill", "page meetings", "Failed to page stored meetings", err)
		}
		if len(meetings) == 0 {
			break
		}
		for _, meeting := range meetings {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := r.process(ctx, meeting); err != nil {
				if services.IsFatal(err) || errors.Is(err, context.Canceled) {
					return stats, err
				}
				stats.Failed++
				logger.Error("meeting backfill failed",
					logging.String("external_id", meeting.ExternalID),
					logging.Error(err))
			} else {
				stats.Processed++
			}
			cursor = meeting.ID
			if err := r.advance(ctx, job.ID, cursor); err != nil {
				return stats, err
			}
		}
	}

	if err := r.complete(ctx, job.ID); err != nil {
		return stats, err
	}
	logger.Info("backfill finished",
		logging.Int("processed", stats.Processed),
		logging.Int("failed", stats.Failed))
	return stats, nil
}

// claim creates the job row if needed and marks it running. A job that
// already completed is reset so a fresh invocation re-runs it from the
// start.
func (r *Runner) claim(ctx context.Context, municipality, phase string) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO backfill_jobs (municipality, phase, state, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (municipality, phase) DO NOTHING`,
		municipality,
		phase,
		StatePending,
		now,
	); err != nil {
		return nil, fmt.Errorf("create backfill job: %w", err)
	}
	if _, err := r.db.ExecContext(
		ctx,
		`UPDATE backfill_jobs
         SET state = ?, claimed_at = ?, completed_at = NULL,
             cursor_meeting_id = CASE WHEN state = ? THEN 0 ELSE cursor_meeting_id END
         WHERE municipality = ? AND phase = ?`,
		StateRunning,
		now,
		StateCompleted,
		municipality,
		phase,
	); err != nil {
		return nil, fmt.Errorf("claim backfill job: %w", err)
	}
	return r.getJob(ctx, municipality, phase)
}

func (r *Runner) advance(ctx context.Context, jobID, cursor int64) error {
	if _, err := r.db.ExecContext(
		ctx,
		`UPDATE backfill_jobs SET cursor_meeting_id = ? WHERE id = ?`,
		cursor,
		jobID,
	); err != nil {
		return fmt.Errorf("advance backfill cursor: %w", err)
	}
	return nil
}

func (r *Runner) complete(ctx context.Context, jobID int64) error {
	if _, err := r.db.ExecContext(
		ctx,
		`UPDATE backfill_jobs SET state = ?, completed_at = ? WHERE id = ?`,
		StateCompleted,
		time.Now().UTC().Format(time.RFC3339Nano),
		jobID,
	); err != nil {
		return fmt.Errorf("complete backfill job: %w", err)
	}
	return nil
}

func (r *Runner) getJob(ctx context.Context, municipality, phase string) (*Job, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, municipality, phase, state, cursor_meeting_id, claimed_at, completed_at, created_at
         FROM backfill_jobs WHERE municipality = ? AND phase = ?`,
		municipality,
		phase,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill job: %w", err)
	}
	return job, nil
}

// Jobs lists every backfill job, newest first.
func (r *Runner) Jobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, municipality, phase, state, cursor_meeting_id, claimed_at, completed_at, created_at
         FROM backfill_jobs ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list backfill jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backfill job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		state       string
		claimedAt   sql.NullString
		completedAt sql.NullString
		createdAt   string
	)
	if err := row.Scan(&job.ID, &job.Municipality, &job.Phase, &state, &job.CursorMeetingID, &claimedAt, &completedAt, &createdAt); err != nil {
		return nil, err
	}
	job.State = State(state)
	job.ClaimedAt = parseNullTime(claimedAt)
	job.CompletedAt = parseNullTime(completedAt)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = ts
	}
	return &job, nil
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil
	}
	return &ts
}
