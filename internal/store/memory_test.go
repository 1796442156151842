package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqwacloud/transfercore/pkg/provider"
	"github.com/aqwacloud/transfercore/pkg/transfer"
)

func storedJob(userID string) *transfer.TransferJob {
	source := provider.NewConnection("src", userID, provider.ProviderGoogle, provider.Token{
		AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour),
	})
	dest := provider.NewConnection("dst", userID, provider.ProviderMicrosoft, provider.Token{
		AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour),
	})
	file := &provider.FileDescriptor{
		ID: "file-1", Name: "doc.txt", Kind: provider.KindFile, Size: 42,
	}
	return transfer.NewJob(uuid.New(), userID, source, dest, file, 3)
}

func outcome(jobID uuid.UUID, userID string, bytes int64, at time.Time) *transfer.HistoryEntry {
	return &transfer.HistoryEntry{
		JobID:       jobID,
		UserID:      userID,
		Timestamp:   at,
		FromService: provider.ProviderGoogle,
		ToService:   provider.ProviderMicrosoft,
		FileNames:   []string{"doc.txt"},
		TotalBytes:  bytes,
		Status:      transfer.JobCompleted,
	}
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	s := NewMemoryStore()
	job := storedJob("user-1")
	require.NoError(t, s.SaveJob(job))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, provider.ProviderGoogle, got.SourceProvider)

	// The stored record is a snapshot, not the live job.
	job.SetProgress(55)
	got2, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Zero(t, got2.Progress)

	_, err = s.GetJob(uuid.New())
	assert.ErrorIs(t, err, transfer.ErrJobNotFound)
}

func TestMemoryStoreUpdateJob(t *testing.T) {
	s := NewMemoryStore()
	job := storedJob("user-1")
	require.NoError(t, s.SaveJob(job))

	require.NoError(t, s.UpdateJob(job.ID, func(j *transfer.TransferJob) {
		j.Status = transfer.JobCompleted
		j.Progress = 100
	}))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	assert.ErrorIs(t, s.UpdateJob(uuid.New(), func(*transfer.TransferJob) {}), transfer.ErrJobNotFound)
}

func TestMemoryStoreListJobsByUser(t *testing.T) {
	s := NewMemoryStore()
	a := storedJob("alice")
	b := storedJob("alice")
	c := storedJob("bob")
	for _, j := range []*transfer.TransferJob{a, b, c} {
		require.NoError(t, s.SaveJob(j))
	}
	require.NoError(t, s.UpdateJob(b.ID, func(j *transfer.TransferJob) {
		j.Status = transfer.JobFailed
	}))

	all, err := s.ListJobsByUser("alice", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := s.ListJobsByUser("alice", transfer.JobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)

	none, err := s.ListJobsByUser("carol", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreArchiveJob(t *testing.T) {
	s := NewMemoryStore()
	job := storedJob("user-1")
	require.NoError(t, s.SaveJob(job))

	// Active jobs cannot be archived.
	assert.ErrorIs(t, s.ArchiveJob(job.ID), transfer.ErrJobActive)

	require.NoError(t, s.UpdateJob(job.ID, func(j *transfer.TransferJob) {
		j.Status = transfer.JobCompleted
	}))
	require.NoError(t, s.ArchiveJob(job.ID))

	// Archived jobs stay readable but drop out of listings.
	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.JobCompleted, got.Status)

	listed, err := s.ListJobsByUser("user-1", "")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestMemoryStoreRecordOutcomeIdempotent(t *testing.T) {
	s := NewMemoryStore()
	jobID := uuid.New()
	now := time.Now()

	require.NoError(t, s.RecordOutcome(outcome(jobID, "user-1", 500, now)))
	require.NoError(t, s.RecordOutcome(outcome(jobID, "user-1", 500, now)))
	require.NoError(t, s.RecordOutcome(outcome(jobID, "user-1", 500, now)))

	usage, err := s.GetUsage("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.TotalTransfers)
	assert.Equal(t, int64(500), usage.TotalBytes)
	assert.Equal(t, int64(1), usage.MonthTransfers)
	assert.Equal(t, int64(500), usage.MonthBytes)

	assert.Len(t, s.History("user-1"), 1)
}

func TestMemoryStoreUsageAggregation(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.RecordOutcome(outcome(uuid.New(), "user-1", 100, now)))
	require.NoError(t, s.RecordOutcome(outcome(uuid.New(), "user-1", 300, now)))
	require.NoError(t, s.RecordOutcome(outcome(uuid.New(), "other", 999, now)))

	usage, err := s.GetUsage("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.TotalTransfers)
	assert.Equal(t, int64(400), usage.TotalBytes)
	assert.Equal(t, int64(2), usage.MonthTransfers)

	empty, err := s.GetUsage("unknown")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalTransfers)
}

func TestMemoryStoreMonthRollover(t *testing.T) {
	s := NewMemoryStore()
	lastMonth := time.Now().AddDate(0, -1, 0)

	require.NoError(t, s.RecordOutcome(outcome(uuid.New(), "user-1", 700, lastMonth)))

	// Lifetime counters survive the rollover; month counters reset.
	usage, err := s.GetUsage("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.TotalTransfers)
	assert.Equal(t, int64(700), usage.TotalBytes)
	assert.Zero(t, usage.MonthTransfers)
	assert.Zero(t, usage.MonthBytes)

	require.NoError(t, s.RecordOutcome(outcome(uuid.New(), "user-1", 50, time.Now())))
	usage, err = s.GetUsage("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.TotalTransfers)
	assert.Equal(t, int64(750), usage.TotalBytes)
	assert.Equal(t, int64(1), usage.MonthTransfers)
	assert.Equal(t, int64(50), usage.MonthBytes)
}
