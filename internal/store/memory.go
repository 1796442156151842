// Package store provides the persistence backends for transfer jobs, the
// transfer-history ledger and usage aggregates. The in-memory store backs
// tests and single-process deployments; the gorm store backs Postgres.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqwacloud/transfercore/pkg/transfer"
)

// MemoryStore is a process-local transfer.Store.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*transfer.TransferJob
	archived map[uuid.UUID]*transfer.TransferJob
	history  map[uuid.UUID]*transfer.HistoryEntry
	usage    map[string]*usageRow
}

type usageRow struct {
	totalTransfers int64
	totalBytes     int64
	monthKey       string
	monthTransfers int64
	monthBytes     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uuid.UUID]*transfer.TransferJob),
		archived: make(map[uuid.UUID]*transfer.TransferJob),
		history:  make(map[uuid.UUID]*transfer.HistoryEntry),
		usage:    make(map[string]*usageRow),
	}
}

// cloneJob copies the exported state of a job. Field-wise so the job's
// internal lock is not copied.
func cloneJob(j *transfer.TransferJob) *transfer.TransferJob {
	status, progress, transferred := j.Snapshot()
	c := &transfer.TransferJob{
		ID:               j.ID,
		SessionID:        j.SessionID,
		UserID:           j.UserID,
		SourceConnID:     j.SourceConnID,
		DestConnID:       j.DestConnID,
		SourceProvider:   j.SourceProvider,
		DestProvider:     j.DestProvider,
		SourceFile:       j.SourceFile,
		DestFile:         j.DestFile,
		DestFolderID:     j.DestFolderID,
		Status:           status,
		Progress:         progress,
		BytesTransferred: transferred,
		TotalBytes:       j.TotalBytes,
		RetryCount:       j.RetryCount,
		MaxRetries:       j.MaxRetries,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StartTime:        j.StartTime,
		EndTime:          j.EndTime,
	}
	return c
}

// SaveJob stores a snapshot of the job.
func (s *MemoryStore) SaveJob(job *transfer.TransferJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob applies a patch to the stored job record.
func (s *MemoryStore) UpdateJob(jobID uuid.UUID, patch func(*transfer.TransferJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return transfer.ErrJobNotFound
	}
	patch(job)
	return nil
}

// GetJob returns a copy of the stored job, checking the archive too.
func (s *MemoryStore) GetJob(jobID uuid.UUID) (*transfer.TransferJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		return cloneJob(job), nil
	}
	if job, ok := s.archived[jobID]; ok {
		return cloneJob(job), nil
	}
	return nil, transfer.ErrJobNotFound
}

// ListJobsByUser returns the user's jobs, filtered by status when one is
// given.
func (s *MemoryStore) ListJobsByUser(userID string, status transfer.JobStatus) ([]*transfer.TransferJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*transfer.TransferJob
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// ArchiveJob moves a terminal job into the archive collection.
func (s *MemoryStore) ArchiveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return transfer.ErrJobNotFound
	}
	if !job.Status.Terminal() {
		return transfer.ErrJobActive
	}
	delete(s.jobs, jobID)
	s.archived[jobID] = job
	return nil
}

// RecordOutcome appends a ledger entry and bumps the usage aggregate,
// exactly once per job id. Replays are silently absorbed.
func (s *MemoryStore) RecordOutcome(entry *transfer.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, recorded := s.history[entry.JobID]; recorded {
		return nil
	}
	s.history[entry.JobID] = entry

	row, ok := s.usage[entry.UserID]
	if !ok {
		row = &usageRow{}
		s.usage[entry.UserID] = row
	}

	month := entry.Timestamp.Format("2006-01")
	if row.monthKey != month {
		row.monthKey = month
		row.monthTransfers = 0
		row.monthBytes = 0
	}

	row.totalTransfers++
	row.totalBytes += entry.TotalBytes
	row.monthTransfers++
	row.monthBytes += entry.TotalBytes
	return nil
}

// GetUsage returns the user's aggregate counters. Month counters from a
// previous month read as zero.
func (s *MemoryStore) GetUsage(userID string) (*transfer.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.usage[userID]
	if !ok {
		return &transfer.Usage{}, nil
	}

	usage := &transfer.Usage{
		TotalTransfers: row.totalTransfers,
		TotalBytes:     row.totalBytes,
	}
	if row.monthKey == time.Now().Format("2006-01") {
		usage.MonthTransfers = row.monthTransfers
		usage.MonthBytes = row.monthBytes
	}
	return usage, nil
}

// History returns the ledger entries for a user, newest last.
func (s *MemoryStore) History(userID string) []*transfer.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*transfer.HistoryEntry
	for _, e := range s.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
