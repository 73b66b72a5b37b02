package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-orchestrator/internal/models"
)

// ErrNotFound is returned when a job, batch, or session does not exist.
var ErrNotFound = errors.New("not found")

// Status transition tables. The Mark* guards below are built from these, and
// in-memory test doubles consult the same slices, so the SQL predicates and
// the fakes cannot drift apart.
var (
	// ClaimFrom are the states a worker may claim a job out of.
	ClaimFrom = []string{models.StatusWaiting, models.StatusDelayed, models.StatusStalled}
	// CompleteFrom are the states a successful finish may leave. A job
	// that lost its lease (stalled) still gets to record its result.
	CompleteFrom = []string{models.StatusActive, models.StatusStalled}
	// TerminalStates are never left again; they make every terminal
	// transition a no-op the second time.
	TerminalStates = []string{models.StatusCompleted, models.StatusFailed}
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type        string
	UserID      string
	BatchID     string
	Priority    string
	Payload     map[string]any
	MaxAttempts int
	RunAt       time.Time
}

// CreateJob inserts a job row in waiting (or delayed, when RunAt is in the
// future) state and returns the full record.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	now := time.Now().UTC()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	status := models.StatusWaiting
	if p.RunAt.After(now) {
		status = models.StatusDelayed
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, user_id, batch_id, priority, payload, status, attempts, max_attempts, next_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
	`, id, p.Type, p.UserID, emptyToNil(p.BatchID), p.Priority, payloadJSON, status, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		UserID:      p.UserID,
		BatchID:     p.BatchID,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      status,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
	}, nil
}

const jobColumns = `id, type, user_id, batch_id, priority, payload, status, progress, attempts, max_attempts, result, last_error, cancel_requested, next_run_at, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job          models.Job
		batchID      pgtype.Text
		payloadJSON  []byte
		progressJSON []byte
		result       []byte
		lastErr      pgtype.Text
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &job.UserID, &batchID, &job.Priority, &payloadJSON,
		&job.Status, &progressJSON, &job.Attempts, &job.MaxAttempts, &result, &lastErr,
		&job.CancelRequested, &job.NextRunAt, &job.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	if batchID.Valid {
		job.BatchID = batchID.String
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	job.LastError = textPtr(lastErr)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListByUser returns a user's jobs newest first, optionally filtered by
// state, paginated by limit/offset.
func (s *Store) ListByUser(ctx context.Context, userID string, states []string, limit, offset int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if len(states) > 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE user_id = $1 AND status = ANY($2)
			ORDER BY created_at DESC LIMIT $3 OFFSET $4
		`, userID, states, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, userID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs by user: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByState returns jobs of one type in the given states, oldest first.
func (s *Store) ListByState(ctx context.Context, jobType string, states []string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type = $1 AND status = ANY($2)
		ORDER BY created_at ASC
	`, jobType, states)
	if err != nil {
		return nil, fmt.Errorf("query jobs by state: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkActive claims the job for execution: status active, attempts
// incremented, started_at stamped. Returns the updated record. Claiming an
// already-terminal or already-active job returns ErrNotFound, which keeps a
// stale lease holder from double-running it.
func (s *Store) MarkActive(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, started_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+jobColumns+`
	`, id, models.StatusActive, ClaimFrom)
	return scanJob(row)
}

// MarkCompleted records a successful terminal transition. The status guard
// makes a second complete (or a complete after fail) a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, last_error = NULL, completed_at = NOW(),
		    progress = jsonb_set(progress, '{percent}', '100')
		WHERE id = $1 AND status = ANY($4)
	`, id, models.StatusCompleted, []byte(result), CompleteFrom)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a terminal failure. Idempotent at terminal.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, result = NULL, completed_at = NOW()
		WHERE id = $1 AND NOT (status = ANY($4))
	`, id, models.StatusFailed, lastError, TerminalStates)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRetryScheduled returns a failed attempt to the delayed state with its
// computed backoff deadline.
func (s *Store) MarkRetryScheduled(ctx context.Context, id string, nextRun time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, next_run_at = $4
		WHERE id = $1 AND NOT (status = ANY($5))
	`, id, models.StatusDelayed, lastError, nextRun, TerminalStates)
	return err
}

// MarkWaiting flips promoted or reclaimed jobs back to waiting.
func (s *Store) MarkWaiting(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2
		WHERE id = ANY($1) AND status IN ($3, $4)
	`, ids, models.StatusWaiting, models.StatusDelayed, models.StatusStalled)
	return err
}

// MarkStalled flags jobs whose lease expired before they completed.
func (s *Store) MarkStalled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2 WHERE id = ANY($1) AND status = $3
	`, ids, models.StatusStalled, models.StatusActive)
	return err
}

// UpdateProgress persists a progress tick from the lease-holding worker.
func (s *Store) UpdateProgress(ctx context.Context, id string, p models.Progress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2 WHERE id = $1 AND status = $3
	`, id, progressJSON, models.StatusActive)
	return err
}

// SetCancelRequested marks cancel intent on an active job. The in-flight
// processor call is not interrupted; its outcome is discarded.
func (s *Store) SetCancelRequested(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status NOT IN ($2, $3)
	`, id, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("set cancel requested: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteJob removes a job row entirely (cancelled before terminal).
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetForRetry returns a terminally failed job to waiting with a fresh
// attempt budget, used by the retry endpoint.
func (s *Store) ResetForRetry(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = 0, last_error = NULL, completed_at = NULL, next_run_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns+`
	`, id, models.StatusWaiting, models.StatusFailed)
	return scanJob(row)
}

// PruneTerminal keeps only the most recent `keep` jobs of one type in the
// given terminal status and deletes the rest. Returns how many were removed.
func (s *Store) PruneTerminal(ctx context.Context, jobType, status string, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs
			WHERE type = $1 AND status = $2
			ORDER BY completed_at DESC NULLS LAST
			OFFSET $3
		)
	`, jobType, status, keep)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountNonTerminalByBatch reports in-flight work remaining for a batch,
// used by workflow session recovery after a restart.
func (s *Store) CountNonTerminalByBatch(ctx context.Context, batchID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE batch_id = $1 AND status NOT IN ($2, $3)
	`, batchID, models.StatusCompleted, models.StatusFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count batch jobs: %w", err)
	}
	return n, nil
}
