// Package postgres provides the central-database adapters of the worker:
// the durable job queue, tenant configuration rows and message templates.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealerline/commsworker/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobsRepo persists and claims communication jobs using a minimal pgx pool.
type JobsRepo struct {
	Pool PgxPool

	// defaultMaxRetries is stamped on inserted rows; per-row values are
	// frozen at insert time so later config changes do not move the goalposts
	// for jobs already in flight.
	defaultMaxRetries int
}

// NewJobsRepo constructs a JobsRepo with the given pool.
func NewJobsRepo(p PgxPool, defaultMaxRetries int) *JobsRepo {
	return &JobsRepo{Pool: p, defaultMaxRetries: defaultMaxRetries}
}

const jobColumns = `id, tenant_id, job_type, payload, status, retry_count, max_retries, COALESCE(last_error,''), process_after, source_reference, created_at, updated_at, completed_at`

// errBadPayload marks a row whose payload column does not decode. The row is
// still identified (ID scanned), so the caller can fail it instead of letting
// it poison the claim loop.
var errBadPayload = errors.New("malformed payload")

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j   domain.Job
		raw []byte
	)
	if err := row.Scan(&j.ID, &j.TenantID, &j.Type, &raw, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.LastError, &j.ProcessAfter, &j.SourceReference, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return domain.Job{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &j.Payload); err != nil {
			return j, fmt.Errorf("%w: %v", errBadPayload, err)
		}
	}
	return j, nil
}

// ClaimPending atomically claims up to limit due pending jobs in FIFO order
// and flips them to processing. Rows locked by a concurrent worker are
// skipped, so two workers never claim the same job.
func (r *JobsRepo) ClaimPending(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimPending")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "communication_jobs"),
		attribute.Int("claim.limit", limit),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=job.claim_pending: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + jobColumns + `
		FROM communication_jobs
		WHERE status = 'pending' AND process_after <= now()
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.claim_pending: %w", err)
	}
	var jobs []domain.Job
	var ids []int64
	type badRow struct {
		id     int64
		reason string
	}
	var bad []badRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			if errors.Is(err, errBadPayload) {
				bad = append(bad, badRow{id: j.ID, reason: err.Error()})
				continue
			}
			rows.Close()
			return nil, fmt.Errorf("op=job.claim_pending: %w", err)
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.claim_pending: %w", err)
	}

	// Undecodable rows are failed in place so they never re-enter the claim.
	for _, b := range bad {
		if _, err := tx.Exec(ctx, `UPDATE communication_jobs SET status='failed', last_error=$2, completed_at=now(), updated_at=now() WHERE id=$1`, b.id, b.reason); err != nil {
			return nil, fmt.Errorf("op=job.claim_pending: %w", err)
		}
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE communication_jobs SET status='processing', updated_at=now() WHERE id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("op=job.claim_pending: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=job.claim_pending: %w", err)
	}
	for i := range jobs {
		jobs[i].Status = domain.JobProcessing
	}
	return jobs, nil
}

// MarkComplete finishes a job. A non-empty note (e.g. a skip reason) is
// recorded in last_error for operators; an empty note clears any diagnostic
// left over from an earlier failed attempt.
func (r *JobsRepo) MarkComplete(ctx context.Context, id int64, note string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkComplete")
	defer span.End()
	q := `UPDATE communication_jobs
		SET status='complete', completed_at=now(), updated_at=now(),
		    last_error = NULLIF($2,'')
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, note)
	if err != nil {
		return fmt.Errorf("op=job.mark_complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_complete: %w", domain.ErrNotFound)
	}
	return nil
}

// Reschedule returns a job to the given status (normally pending) with an
// updated retry count, visibility time and diagnostic message.
func (r *JobsRepo) Reschedule(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reschedule")
	defer span.End()
	q := `UPDATE communication_jobs
		SET status=$2, retry_count=$3, process_after=$4, last_error=$5, updated_at=now()
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, retryCount, processAfter.UTC(), lastError)
	if err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.reschedule: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkFailed records a terminal failure.
func (r *JobsRepo) MarkFailed(ctx context.Context, id int64, lastError string, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	q := `UPDATE communication_jobs
		SET status=$2, last_error=$3, completed_at=now(), updated_at=now()
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, lastError)
	if err != nil {
		return fmt.Errorf("op=job.mark_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_failed: %w", domain.ErrNotFound)
	}
	return nil
}

// InsertJob enqueues a new job. When the job carries a source reference and a
// non-failed row with the same (tenant, type, reference) already exists the
// insert is skipped and inserted is false. Failed rows do not block a
// re-insert, so a failed reminder can be retried by a later sweep.
func (r *JobsRepo) InsertJob(ctx context.Context, j domain.NewJob) (int64, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.InsertJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(j.Type)))

	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("op=job.insert: %w", err)
	}
	processAfter := j.ProcessAfter
	if processAfter.IsZero() {
		processAfter = time.Now().UTC()
	}

	if j.SourceReference != "" {
		var exists bool
		dupQ := `SELECT EXISTS(
			SELECT 1 FROM communication_jobs
			WHERE tenant_id=$1 AND job_type=$2 AND source_reference=$3
			  AND status IN ('pending','processing','complete'))`
		if err := r.Pool.QueryRow(ctx, dupQ, j.TenantID, j.Type, j.SourceReference).Scan(&exists); err != nil {
			return 0, false, fmt.Errorf("op=job.insert: %w", err)
		}
		if exists {
			return 0, false, nil
		}
	}

	var srcRef *string
	if j.SourceReference != "" {
		srcRef = &j.SourceReference
	}
	q := `INSERT INTO communication_jobs
		(tenant_id, job_type, payload, status, retry_count, max_retries, process_after, source_reference, created_at, updated_at)
		VALUES ($1,$2,$3,'pending',0,$4,$5,$6,now(),now())
		ON CONFLICT (tenant_id, job_type, source_reference) WHERE status IN ('pending','processing','complete')
		DO NOTHING
		RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, j.TenantID, j.Type, payload, r.defaultMaxRetries, processAfter.UTC(), srcRef).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race to a concurrent insert with the same reference.
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("op=job.insert: %w", err)
	}
	return id, true, nil
}

// RequeueStale returns processing rows older than maxAge to pending without
// touching their retry count. Covers workers that died mid-dispatch.
func (r *JobsRepo) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueStale")
	defer span.End()
	q := `UPDATE communication_jobs
		SET status='pending', updated_at=now()
		WHERE status='processing' AND updated_at < now() - make_interval(secs => $1)`
	tag, err := r.Pool.Exec(ctx, q, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldTerminal removes terminal rows older than the retention window.
func (r *JobsRepo) DeleteOldTerminal(ctx context.Context, retentionDays int) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteOldTerminal")
	defer span.End()
	q := `DELETE FROM communication_jobs
		WHERE status IN ('complete','failed','cancelled','failed_fallback_email')
		  AND updated_at < now() - make_interval(days => $1)`
	tag, err := r.Pool.Exec(ctx, q, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_old_terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}
