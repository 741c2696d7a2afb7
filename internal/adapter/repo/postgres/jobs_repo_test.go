package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerline/commsworker/internal/adapter/repo/postgres"
	"github.com/dealerline/commsworker/internal/domain"
)

// jobRowScan fills scanJob's dest list from j.
func jobRowScan(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		raw, _ := json.Marshal(j.Payload)
		*(dest[0].(*int64)) = j.ID
		*(dest[1].(*string)) = j.TenantID
		*(dest[2].(*domain.JobType)) = j.Type
		*(dest[3].(*[]byte)) = raw
		*(dest[4].(*domain.JobStatus)) = j.Status
		*(dest[5].(*int)) = j.RetryCount
		*(dest[6].(*int)) = j.MaxRetries
		*(dest[7].(*string)) = j.LastError
		*(dest[8].(*time.Time)) = j.ProcessAfter
		*(dest[9].(**string)) = j.SourceReference
		*(dest[10].(*time.Time)) = j.CreatedAt
		*(dest[11].(*time.Time)) = j.UpdatedAt
		*(dest[12].(**time.Time)) = j.CompletedAt
		return nil
	}
}

func TestClaimPending_ZeroLimit(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobsRepo(pool, 3)

	jobs, err := repo.ClaimPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, jobs)
	assert.Zero(t, pool.begins, "must not open a transaction")
}

func TestClaimPending_ClaimsAndFlipsToProcessing(t *testing.T) {
	ref := "appointment_t1_42"
	j1 := domain.Job{ID: 7, TenantID: "t1", Type: domain.JobTypeSendSMS, Status: domain.JobPending,
		Payload: domain.JobPayload{To: "+15550001", Body: "hi"}, MaxRetries: 3, SourceReference: &ref}
	j2 := domain.Job{ID: 9, TenantID: "t2", Type: domain.JobTypeSendEmail, Status: domain.JobPending,
		Payload: domain.JobPayload{To: "a@b.c", Subject: "s", Body: "b"}, MaxRetries: 3}

	tx := &txStub{queryFn: func(sql string, args []any) (pgx.Rows, error) {
		assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
		assert.Contains(t, sql, "ORDER BY created_at ASC, id ASC")
		assert.Equal(t, []any{5}, args)
		return &rowsStub{scans: []func(dest ...any) error{jobRowScan(j1), jobRowScan(j2)}}, nil
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobsRepo(pool, 3)

	jobs, err := repo.ClaimPending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(7), jobs[0].ID)
	assert.Equal(t, int64(9), jobs[1].ID)
	assert.Equal(t, domain.JobProcessing, jobs[0].Status)
	assert.Equal(t, domain.JobProcessing, jobs[1].Status)
	assert.Equal(t, "hi", jobs[0].Payload.Body)
	require.NotNil(t, jobs[0].SourceReference)
	assert.Equal(t, ref, *jobs[0].SourceReference)

	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0].sql, "SET status='processing'")
	assert.Equal(t, []int64{7, 9}, tx.execs[0].args[0])
	assert.True(t, tx.committed)
}

func TestClaimPending_MalformedPayloadFailedInPlace(t *testing.T) {
	good := domain.Job{ID: 7, TenantID: "t1", Type: domain.JobTypeSendSMS, Status: domain.JobPending,
		Payload: domain.JobPayload{To: "+15550001", Body: "hi"}, MaxRetries: 3}
	badScan := func(dest ...any) error {
		if err := jobRowScan(domain.Job{ID: 8, TenantID: "t1", Type: domain.JobTypeSendEmail})(dest...); err != nil {
			return err
		}
		*(dest[3].(*[]byte)) = []byte("{not json")
		return nil
	}

	tx := &txStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{jobRowScan(good), badScan}}, nil
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobsRepo(pool, 3)

	jobs, err := repo.ClaimPending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(7), jobs[0].ID)

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "status='failed'")
	assert.Equal(t, int64(8), tx.execs[0].args[0])
	assert.Contains(t, tx.execs[0].args[1].(string), "malformed payload")
	assert.Contains(t, tx.execs[1].sql, "SET status='processing'")
	assert.Equal(t, []int64{7}, tx.execs[1].args[0])
	assert.True(t, tx.committed)
}

func TestClaimPending_NoDueJobs(t *testing.T) {
	tx := &txStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		return &rowsStub{}, nil
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobsRepo(pool, 3)

	jobs, err := repo.ClaimPending(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, tx.execs)
	assert.True(t, tx.committed)
}

func TestClaimPending_QueryError(t *testing.T) {
	tx := &txStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		return nil, errors.New("boom")
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobsRepo(pool, 3)

	_, err := repo.ClaimPending(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.claim_pending")
	assert.True(t, tx.rolledBack)
}

func TestMarkComplete_RecordsNote(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobsRepo(pool, 3)

	require.NoError(t, repo.MarkComplete(context.Background(), 7, "customer opted out"))
	require.Len(t, pool.execs, 1)
	assert.Equal(t, []any{int64(7), "customer opted out"}, pool.execs[0].args)
}

func TestMarkComplete_EmptyNoteClearsDiagnostic(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobsRepo(pool, 3)

	require.NoError(t, repo.MarkComplete(context.Background(), 7, ""))
	require.Len(t, pool.execs, 1)
	// A success after a retried failure must not keep the old error around.
	assert.Contains(t, pool.execs[0].sql, "last_error = NULLIF($2,'')")
}

func TestMarkComplete_MissingRow(t *testing.T) {
	pool := &poolStub{execFn: func(_ string, _ []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	err := repo.MarkComplete(context.Background(), 404, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReschedule(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobsRepo(pool, 3)
	after := time.Now().Add(5 * time.Minute)

	require.NoError(t, repo.Reschedule(context.Background(), 7, 2, after, "timeout", domain.JobPending))
	require.Len(t, pool.execs, 1)
	args := pool.execs[0].args
	assert.Equal(t, int64(7), args[0])
	assert.Equal(t, domain.JobPending, args[1])
	assert.Equal(t, 2, args[2])
	assert.Equal(t, "timeout", args[4])
}

func TestMarkFailed_WrapsError(t *testing.T) {
	pool := &poolStub{execFn: func(_ string, _ []any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("conn reset")
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	err := repo.MarkFailed(context.Background(), 7, "provider 500", domain.JobFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.mark_failed")
}

func TestInsertJob_NoReference(t *testing.T) {
	pool := &poolStub{rowFn: func(sql string, args []any) pgx.Row {
		require.Contains(t, sql, "INSERT INTO communication_jobs")
		assert.Nil(t, args[5], "source_reference must be NULL")
		assert.Equal(t, 3, args[3], "default max retries")
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 11
			return nil
		}}
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	id, inserted, err := repo.InsertJob(context.Background(), domain.NewJob{
		TenantID: "t1",
		Type:     domain.JobTypeSendEmail,
		Payload:  domain.JobPayload{To: "a@b.c", Subject: "s", Body: "b"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(11), id)
}

func TestInsertJob_DuplicateReferenceSkipped(t *testing.T) {
	queries := 0
	pool := &poolStub{rowFn: func(sql string, _ []any) pgx.Row {
		queries++
		require.Contains(t, sql, "SELECT EXISTS")
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}}
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	id, inserted, err := repo.InsertJob(context.Background(), domain.NewJob{
		TenantID:        "t1",
		Type:            domain.JobTypeSendSMS,
		SourceReference: "appointment_t1_42",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, id)
	assert.Equal(t, 1, queries, "must stop after the existence check")
}

func TestInsertJob_ConcurrentDuplicateLosesQuietly(t *testing.T) {
	pool := &poolStub{rowFn: func(sql string, _ []any) pgx.Row {
		if strings.Contains(sql, "SELECT EXISTS") {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*bool)) = false
				return nil
			}}
		}
		// ON CONFLICT DO NOTHING yields no row when another worker won.
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	_, inserted, err := repo.InsertJob(context.Background(), domain.NewJob{
		TenantID:        "t1",
		Type:            domain.JobTypeSendSMS,
		SourceReference: "appointment_t1_42",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestRequeueStale(t *testing.T) {
	pool := &poolStub{execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
		assert.Contains(t, sql, "status='processing'")
		assert.Equal(t, float64(600), args[0])
		return pgconn.NewCommandTag("UPDATE 4"), nil
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	n, err := repo.RequeueStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestDeleteOldTerminal(t *testing.T) {
	pool := &poolStub{execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
		assert.Contains(t, sql, "DELETE FROM communication_jobs")
		assert.Equal(t, 90, args[0])
		return pgconn.NewCommandTag("DELETE 12"), nil
	}}
	repo := postgres.NewJobsRepo(pool, 3)

	n, err := repo.DeleteOldTerminal(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
