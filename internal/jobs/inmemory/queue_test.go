package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/share"
)

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.SyncJob {
	t.Helper()
	var job *jobs.SyncJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_ProcessesJob(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, 1, store)
	ctx := context.Background()

	var handled int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.SyncJob) error {
		atomic.AddInt32(&handled, 1)
		job.Result = &jobs.Result{RunID: "run-1", AddedItems: 3}
		return nil
	}))
	defer q.Stop(ctx)

	job := &jobs.SyncJob{Type: jobs.JobTypeFileSync, File: &share.RemoteFile{Name: "a.jpg", Fingerprint: "e1"}}
	require.NoError(t, q.Publish(ctx, job))
	require.NotEmpty(t, job.JobID)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
	require.NotNil(t, done.Result)
	assert.Equal(t, 3, done.Result.AddedItems)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestQueue_FailedJob(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, 1, store)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.SyncJob) error {
		return errors.New("share unreachable")
	}))
	defer q.Stop(ctx)

	job := &jobs.SyncJob{Type: jobs.JobTypeFullSync}
	require.NoError(t, q.Publish(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, "share unreachable", failed.Error)
}

func TestQueue_RetriesUpToMax(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, 1, store)
	ctx := context.Background()

	var calls int32
	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.SyncJob) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	defer q.Stop(ctx)

	job := &jobs.SyncJob{Type: jobs.JobTypeFullSync, MaxRetries: 1}
	require.NoError(t, q.Publish(ctx, job))

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueue_CoalescesPendingFullSync(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, 1, store)
	ctx := context.Background()

	first := &jobs.SyncJob{Type: jobs.JobTypeFullSync, Trigger: "startup"}
	second := &jobs.SyncJob{Type: jobs.JobTypeFullSync, Trigger: "schedule"}
	file := &jobs.SyncJob{Type: jobs.JobTypeFileSync, File: &share.RemoteFile{Name: "a.jpg"}}

	require.NoError(t, q.Publish(ctx, first))
	require.NoError(t, q.Publish(ctx, second))
	require.NoError(t, q.Publish(ctx, file))

	assert.Equal(t, first.JobID, second.JobID)
	assert.NotEqual(t, first.JobID, file.JobID)

	list, err := store.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	var calls int32
	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.SyncJob) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	defer q.Stop(ctx)

	waitForStatus(t, store, first.JobID, jobs.JobStatusCompleted)
	waitForStatus(t, store, file.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// Once the pending run started, a new request gets its own job.
	third := &jobs.SyncJob{Type: jobs.JobTypeFullSync}
	require.NoError(t, q.Publish(ctx, third))
	assert.NotEqual(t, first.JobID, third.JobID)
}

func TestQueue_PublishAfterStop(t *testing.T) {
	q := NewQueue(1, 1, nil)
	require.NoError(t, q.Stop(context.Background()))

	err := q.Publish(context.Background(), &jobs.SyncJob{Type: jobs.JobTypeFullSync})
	assert.ErrorIs(t, err, jobs.ErrQueueClosed)
}
