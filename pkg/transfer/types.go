// Package transfer implements the cloud-to-cloud transfer orchestration
// core: sessions, jobs, the background sync queue, file monitoring and
// conflict resolution. Provider access goes through the provider.Client
// contract; persistence goes through the Store interface so callers inject
// their backend.
package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

// JobStatus is the transfer job state machine:
// pending → transferring → {completed | failed}, with transferring ⇄ paused
// as a user-triggered side path and failed → pending as the counted retry
// path. A job parked on an unresolvable conflict sits in conflicted until
// resolution moves it forward, so conflicted is not terminal. Terminal
// states are never re-entered except by an explicit retry.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobTransferring JobStatus = "transferring"
	JobPaused       JobStatus = "paused"
	JobConflicted   JobStatus = "conflicted"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TransferJob is the unit of work moving one file from a source connection
// to a destination connection.
type TransferJob struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	UserID       string    `json:"user_id"`
	SourceConnID string    `json:"source_connection_id"`
	DestConnID   string    `json:"dest_connection_id"`

	SourceProvider provider.Provider `json:"source_provider"`
	DestProvider   provider.Provider `json:"dest_provider"`

	SourceFile   *provider.FileDescriptor `json:"source_file"`
	DestFile     *provider.FileDescriptor `json:"dest_file,omitempty"`
	DestFolderID string                   `json:"dest_folder_id,omitempty"`

	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
	RetryCount       int       `json:"retry_count"`
	MaxRetries       int       `json:"max_retries"`
	Error            string    `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	mu sync.Mutex
}

// NewJob creates a pending job for one file.
func NewJob(sessionID uuid.UUID, userID string, source, dest *provider.Connection, file *provider.FileDescriptor, maxRetries int) *TransferJob {
	now := time.Now()
	return &TransferJob{
		ID:             uuid.New(),
		SessionID:      sessionID,
		UserID:         userID,
		SourceConnID:   source.ID,
		DestConnID:     dest.ID,
		SourceProvider: source.Provider,
		DestProvider:   dest.Provider,
		SourceFile:     file,
		Status:         JobPending,
		TotalBytes:     file.Size,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SetStatus transitions the job. Completed and failed record an end time.
func (j *TransferJob) SetStatus(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case JobTransferring:
		if j.StartTime == nil {
			now := time.Now()
			j.StartTime = &now
		}
	case JobCompleted, JobFailed:
		now := time.Now()
		j.EndTime = &now
	}
}

// SetProgress advances the progress counter. Progress is monotonically
// non-decreasing within an attempt; regressions are ignored rather than
// applied.
func (j *TransferJob) SetProgress(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if progress > 100 {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
		j.UpdatedAt = time.Now()
	}
}

// SetBytes updates the transferred-byte counter, same monotonic rule as
// progress.
func (j *TransferJob) SetBytes(transferred int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if transferred > j.BytesTransferred {
		j.BytesTransferred = transferred
		j.UpdatedAt = time.Now()
	}
}

// Fail marks the job failed, capturing the error message.
func (j *TransferJob) Fail(err error) {
	j.mu.Lock()
	j.Error = err.Error()
	j.mu.Unlock()
	j.SetStatus(JobFailed)
}

// Park holds the job in the conflicted state while its conflict awaits
// resolution. Parked jobs are not terminal and carry no end time.
func (j *TransferJob) Park(err error) {
	j.mu.Lock()
	j.Error = err.Error()
	j.mu.Unlock()
	j.SetStatus(JobConflicted)
}

// Unpark clears a parked job's conflict error and returns it to pending.
func (j *TransferJob) Unpark() {
	j.mu.Lock()
	j.Error = ""
	j.mu.Unlock()
	j.SetStatus(JobPending)
}

// Snapshot returns the current status, progress and byte counters under the
// job's lock.
func (j *TransferJob) Snapshot() (JobStatus, int, int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status, j.Progress, j.BytesTransferred
}

// ResetForRetry rewinds a failed job to pending, incrementing the retry
// counter. This is the only path that moves progress backward. Returns false
// once the retry budget is exhausted.
func (j *TransferJob) ResetForRetry() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.RetryCount >= j.MaxRetries {
		return false
	}
	j.RetryCount++
	j.Status = JobPending
	j.Progress = 0
	j.BytesTransferred = 0
	j.Error = ""
	j.EndTime = nil
	j.UpdatedAt = time.Now()
	return true
}

// TransferSession groups a source connection, a destination connection and
// the jobs spawned for a set of files.
type TransferSession struct {
	ID         uuid.UUID            `json:"id"`
	UserID     string               `json:"user_id"`
	SourceConn *provider.Connection `json:"-"`
	DestConn   *provider.Connection `json:"-"`
	Jobs       []*TransferJob       `json:"jobs"`
	Active     bool                 `json:"active"`
	CreatedAt  time.Time            `json:"created_at"`

	// MonitoredFiles are source file ids registered with the file
	// monitor for the session's lifetime.
	MonitoredFiles []string `json:"monitored_files,omitempty"`
}

// TransferError is a typed core error with a stable code.
type TransferError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TransferError) Error() string {
	return e.Message
}

// Common core errors.
var (
	ErrJobNotFound        = &TransferError{Code: "JOB_NOT_FOUND", Message: "transfer job not found"}
	ErrSessionNotFound    = &TransferError{Code: "SESSION_NOT_FOUND", Message: "transfer session not found"}
	ErrSessionInactive    = &TransferError{Code: "SESSION_INACTIVE", Message: "transfer session is not active"}
	ErrJobTerminal        = &TransferError{Code: "JOB_TERMINAL", Message: "transfer job already reached a terminal state"}
	ErrJobActive          = &TransferError{Code: "JOB_ACTIVE", Message: "transfer job has not reached a terminal state"}
	ErrCancelled          = &TransferError{Code: "CANCELLED", Message: "transfer cancelled by user"}
	ErrRetriesExhausted   = &TransferError{Code: "RETRIES_EXHAUSTED", Message: "transfer retry budget exhausted"}
	ErrConflictUnresolved = &TransferError{Code: "CONFLICT_UNRESOLVED", Message: "conflict requires manual resolution"}
	ErrNoFiles            = &TransferError{Code: "NO_FILES", Message: "no files given for transfer"}
)

// HistoryEntry is one append-only ledger record per job outcome.
type HistoryEntry struct {
	JobID       uuid.UUID         `json:"job_id"`
	UserID      string            `json:"user_id"`
	Timestamp   time.Time         `json:"timestamp"`
	FromService provider.Provider `json:"from_service"`
	ToService   provider.Provider `json:"to_service"`
	FileNames   []string          `json:"file_names"`
	TotalBytes  int64             `json:"total_bytes"`
	Status      JobStatus         `json:"status"`
}

// Usage is the running aggregate updated alongside each ledger write.
type Usage struct {
	TotalTransfers int64 `json:"total_transfers"`
	TotalBytes     int64 `json:"total_bytes"`
	MonthTransfers int64 `json:"month_transfers"`
	MonthBytes     int64 `json:"month_bytes"`
}

// Store is the persistence contract the orchestration core depends on.
// RecordOutcome is the single authoritative completion path and must be
// idempotent by job id: recording the same job twice yields exactly one
// ledger entry and one aggregate increment.
type Store interface {
	SaveJob(job *TransferJob) error
	UpdateJob(jobID uuid.UUID, patch func(*TransferJob)) error
	GetJob(jobID uuid.UUID) (*TransferJob, error)
	ListJobsByUser(userID string, status JobStatus) ([]*TransferJob, error)
	ArchiveJob(jobID uuid.UUID) error
	RecordOutcome(entry *HistoryEntry) error
	GetUsage(userID string) (*Usage, error)
}
