package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

// stubExecutor drives queue tests without provider clients.
type stubExecutor struct {
	mu       sync.Mutex
	inFlight int32
	maxSeen  int32
	attempts map[string]int
	release  chan struct{}
	blocking bool
	failWith error
	conflict *Conflict
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{attempts: make(map[string]int)}
}

func (e *stubExecutor) Download(ctx context.Context, job *TransferJob) ([]byte, error) {
	cur := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		max := atomic.LoadInt32(&e.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&e.maxSeen, max, cur) {
			break
		}
	}

	e.mu.Lock()
	e.attempts[job.ID.String()]++
	e.mu.Unlock()

	if e.blocking {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	failure := e.failWith
	e.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	return []byte("queued payload"), nil
}

func (e *stubExecutor) setFailure(err error) {
	e.mu.Lock()
	e.failWith = err
	e.mu.Unlock()
}

func (e *stubExecutor) setConflict(c *Conflict) {
	e.mu.Lock()
	e.conflict = c
	e.mu.Unlock()
}

func (e *stubExecutor) Validate(context.Context, *TransferJob, []byte) error { return nil }

func (e *stubExecutor) CheckConflict(context.Context, *TransferJob) (*Conflict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflict, nil
}

func (e *stubExecutor) Upload(_ context.Context, job *TransferJob, data []byte) (*provider.FileDescriptor, error) {
	return &provider.FileDescriptor{
		ID:   "dest-" + job.SourceFile.ID,
		Name: job.SourceFile.Name,
		Kind: provider.KindFile,
		Size: int64(len(data)),
	}, nil
}

func (e *stubExecutor) Verify(context.Context, *TransferJob, *provider.FileDescriptor) error {
	return nil
}

func (e *stubExecutor) attemptCount(job *TransferJob) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[job.ID.String()]
}

func fastQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxConcurrentJobs: 3,
		DispatchInterval:  5 * time.Millisecond,
		JobTimeout:        5 * time.Second,
	}
}

func queueFile(name string) *provider.FileDescriptor {
	return &provider.FileDescriptor{
		ID:           "id-" + name,
		Name:         name,
		Kind:         provider.KindFile,
		Size:         14,
		ModifiedTime: time.Now().Add(-time.Hour),
	}
}

func TestQueueEnqueueDedupes(t *testing.T) {
	q := NewSyncQueue(fastQueueConfig(), newStubExecutor(), nil, nil, nil, testLogger())

	job := testJob(queueFile("a.txt"), 0)
	assert.True(t, q.Enqueue(job))
	assert.False(t, q.Enqueue(job))
	assert.Equal(t, 1, q.Stats()["pending"])
}

func TestQueueCompletesJob(t *testing.T) {
	exec := newStubExecutor()
	store := newCountingStore()
	notifier := NewNotifier()

	var mu sync.Mutex
	var progress []int
	notifier.Subscribe(func(e Event) {
		if update, ok := e.Data.(ProgressUpdate); ok {
			mu.Lock()
			progress = append(progress, update.Progress)
			mu.Unlock()
		}
	})

	q := NewSyncQueue(fastQueueConfig(), exec, nil, store, notifier, testLogger())
	q.Start()
	defer q.Stop()

	job := testJob(queueFile("a.txt"), 0)
	require.NoError(t, store.SaveJob(job))
	q.Enqueue(job)

	require.Eventually(t, func() bool {
		return q.Stats()["completed"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, p, transferred := job.Snapshot()
	assert.Equal(t, JobCompleted, status)
	assert.Equal(t, 100, p)
	assert.Equal(t, int64(len("queued payload")), transferred)
	assert.Equal(t, 1, store.outcomeCount(job.ID))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress must not regress")
	}
	assert.Equal(t, 100, progress[len(progress)-1])
}

func TestQueueBoundedConcurrency(t *testing.T) {
	exec := newStubExecutor()
	exec.blocking = true
	exec.release = make(chan struct{})

	q := NewSyncQueue(fastQueueConfig(), exec, nil, nil, nil, testLogger())
	q.Start()
	defer q.Stop()

	jobs := make([]*TransferJob, 5)
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		jobs[i] = testJob(queueFile(name), 0)
		q.Enqueue(jobs[i])
	}

	require.Eventually(t, func() bool {
		return q.Stats()["transferring"] == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, q.Stats()["pending"])

	close(exec.release)

	require.Eventually(t, func() bool {
		return q.Stats()["completed"] == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&exec.maxSeen), int32(3))
}

func TestQueueRetryExhaustion(t *testing.T) {
	exec := newStubExecutor()
	exec.setFailure(&provider.ProviderError{Provider: provider.ProviderGoogle, StatusCode: 503, Message: "unavailable"})

	q := NewSyncQueue(fastQueueConfig(), exec, nil, nil, nil, testLogger())
	q.Start()
	defer q.Stop()

	job := testJob(queueFile("a.txt"), 2)
	q.Enqueue(job)

	require.Eventually(t, func() bool {
		return q.Stats()["failed"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// maxRetries = 2 allows exactly three attempts.
	assert.Equal(t, 3, exec.attemptCount(job))
	status, _, _ := job.Snapshot()
	assert.Equal(t, JobFailed, status)
	assert.NotEmpty(t, job.Error)
}

func TestQueueFatalErrorNotRetried(t *testing.T) {
	exec := newStubExecutor()
	exec.setFailure(&provider.NotFoundError{Provider: provider.ProviderGoogle, FileID: "gone"})

	q := NewSyncQueue(fastQueueConfig(), exec, nil, nil, nil, testLogger())
	q.Start()
	defer q.Stop()

	job := testJob(queueFile("a.txt"), 5)
	q.Enqueue(job)

	require.Eventually(t, func() bool {
		return q.Stats()["failed"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, exec.attemptCount(job))
}

func TestQueueParksUnresolvableConflict(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	exec := newStubExecutor()

	q := NewSyncQueue(fastQueueConfig(), exec, nil, nil, nil, testLogger())
	q.Start()
	defer q.Stop()

	job := testJob(queueFile("a.txt"), 0)
	conflict := DetectConflict(job.ID,
		descriptor("a.txt", 14, base), descriptor("b.txt", 14, base))
	require.Equal(t, ConflictNameConflict, conflict.Type)
	exec.setConflict(conflict)

	q.Enqueue(job)

	require.Eventually(t, func() bool {
		return q.Stats()["conflicts"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, q.Conflicts(), 1)

	// Parked is a holding state, not an outcome: the job must not look
	// finished while it waits for a decision.
	status, _, _ := job.Snapshot()
	assert.Equal(t, JobConflicted, status)
	assert.False(t, status.Terminal())
	assert.Nil(t, job.EndTime)
	assert.Equal(t, ErrConflictUnresolved.Message, job.Error)

	// A manual source-wins decision requeues and completes the job
	// without touching the retry budget.
	exec.setConflict(nil)
	require.NoError(t, q.ResolveConflictManually(job.ID, WinnerSource))

	require.Eventually(t, func() bool {
		return q.Stats()["completed"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	status, _, _ = job.Snapshot()
	assert.Equal(t, JobCompleted, status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Empty(t, job.Error)
}

func TestHandleFileChangeParksInFlightJob(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	exec := newStubExecutor()
	exec.blocking = true
	exec.release = make(chan struct{})
	store := newCountingStore()

	q := NewSyncQueue(fastQueueConfig(), exec, nil, store, nil, testLogger())
	q.Start()
	defer q.Stop()

	job := testJob(queueFile("a.txt"), 0)
	require.NoError(t, store.SaveJob(job))
	conflict := DetectConflict(job.ID,
		descriptor("a.txt", 14, base), descriptor("b.txt", 14, base))
	exec.setConflict(conflict)

	q.Enqueue(job)
	require.Eventually(t, func() bool {
		return q.Stats()["transferring"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The change handler cancels the blocked download and parks the job;
	// the cancelled stage's failure must not reach the outcome ledger.
	q.HandleFileChange(context.Background(), job.SourceFile.ID)

	require.Eventually(t, func() bool {
		return q.Stats()["conflicts"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Stats()["failed"])
	assert.Equal(t, 0, q.Stats()["transferring"])
	assert.Equal(t, 0, store.outcomeCount(job.ID))

	status, _, _ := job.Snapshot()
	assert.Equal(t, JobConflicted, status)

	// Resolution still leads to a clean completion and a single ledger
	// record.
	close(exec.release)
	exec.setConflict(nil)
	require.NoError(t, q.ResolveConflictManually(job.ID, WinnerSource))

	require.Eventually(t, func() bool {
		return q.Stats()["completed"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.outcomeCount(job.ID))
}

func TestQueueRetryFailedSyncs(t *testing.T) {
	exec := newStubExecutor()
	exec.setFailure(&provider.ValidationError{Message: "bad payload"})

	q := NewSyncQueue(fastQueueConfig(), exec, nil, nil, nil, testLogger())
	q.Start()
	defer q.Stop()

	job := testJob(queueFile("a.txt"), 2)
	q.Enqueue(job)

	require.Eventually(t, func() bool {
		return q.Stats()["failed"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Let the next round succeed.
	exec.setFailure(nil)
	require.Equal(t, 1, q.RetryFailedSyncs())

	require.Eventually(t, func() bool {
		return q.Stats()["completed"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, progress, _ := job.Snapshot()
	assert.Equal(t, 100, progress)
}

func TestQueueCancelPendingJob(t *testing.T) {
	q := NewSyncQueue(fastQueueConfig(), newStubExecutor(), nil, nil, nil, testLogger())

	job := testJob(queueFile("a.txt"), 0)
	q.Enqueue(job)

	require.NoError(t, q.Cancel(job.ID))
	assert.Equal(t, 0, q.Stats()["pending"])
	assert.Equal(t, 1, q.Stats()["failed"])

	status, _, _ := job.Snapshot()
	assert.Equal(t, JobFailed, status)
	assert.Equal(t, ErrCancelled.Message, job.Error)

	assert.ErrorIs(t, q.Cancel(job.ID), ErrJobTerminal)
}
