package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
)

// Executor performs the provider-facing legs of a queued job. The session
// manager implements it; the queue owns scheduling, bucket movement and
// checkpoint reporting.
type Executor interface {
	// Download fetches the source file's content.
	Download(ctx context.Context, job *TransferJob) ([]byte, error)
	// Validate checks the downloaded content against the source
	// descriptor.
	Validate(ctx context.Context, job *TransferJob, data []byte) error
	// CheckConflict compares current source and destination state. A nil
	// conflict means the job may proceed.
	CheckConflict(ctx context.Context, job *TransferJob) (*Conflict, error)
	// Upload writes the content to the destination.
	Upload(ctx context.Context, job *TransferJob, data []byte) (*provider.FileDescriptor, error)
	// Verify checks the uploaded descriptor against what was sent.
	Verify(ctx context.Context, job *TransferJob, uploaded *provider.FileDescriptor) error
}

// QueueConfig tunes the background sync queue.
type QueueConfig struct {
	// MaxConcurrentJobs bounds how many jobs transfer at once.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	// DispatchInterval is how often the dispatcher scans for pending
	// jobs.
	DispatchInterval time.Duration `yaml:"dispatch_interval" json:"dispatch_interval"`
	// JobTimeout bounds one pipeline run.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

// DefaultQueueConfig returns the queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxConcurrentJobs: 3,
		DispatchInterval:  time.Second,
		JobTimeout:        10 * time.Minute,
	}
}

// Pipeline checkpoints, one per stage.
const (
	checkpointDownloaded = 10
	checkpointValidated  = 30
	checkpointChecked    = 50
	checkpointUploaded   = 70
	checkpointVerified   = 90
	checkpointDone       = 100
)

// SyncQueue holds jobs in five buckets keyed by job id: pending,
// transferring, completed, failed and conflicts. A job lives in exactly one
// bucket at a time; the dispatcher moves pending jobs into transferring as
// capacity allows.
type SyncQueue struct {
	config   *QueueConfig
	executor Executor
	resolver *ConflictResolver
	store    Store
	notifier *Notifier
	logger   *logger.Logger
	tracer   trace.Tracer

	mu           sync.Mutex
	pending      map[uuid.UUID]*TransferJob
	transferring map[uuid.UUID]*TransferJob
	completed    map[uuid.UUID]*TransferJob
	failed       map[uuid.UUID]*TransferJob
	conflicts    map[uuid.UUID]*queuedConflict
	parking      map[uuid.UUID]bool
	jobCancels   map[uuid.UUID]context.CancelFunc

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type queuedConflict struct {
	job      *TransferJob
	conflict *Conflict
}

// NewSyncQueue creates a queue. A nil config uses defaults.
func NewSyncQueue(config *QueueConfig, executor Executor, resolver *ConflictResolver, store Store, notifier *Notifier, log *logger.Logger) *SyncQueue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if resolver == nil {
		resolver = NewConflictResolver()
	}
	return &SyncQueue{
		config:       config,
		executor:     executor,
		resolver:     resolver,
		store:        store,
		notifier:     notifier,
		logger:       log.Named("sync_queue"),
		tracer:       otel.Tracer("transfer.sync_queue"),
		pending:      make(map[uuid.UUID]*TransferJob),
		transferring: make(map[uuid.UUID]*TransferJob),
		completed:    make(map[uuid.UUID]*TransferJob),
		failed:       make(map[uuid.UUID]*TransferJob),
		conflicts:    make(map[uuid.UUID]*queuedConflict),
		parking:      make(map[uuid.UUID]bool),
		jobCancels:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches the dispatcher loop. Starting twice is a no-op.
func (q *SyncQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started = true

	q.wg.Add(1)
	go q.dispatchLoop(ctx)
	q.logger.Info("queue started", "max_concurrent", q.config.MaxConcurrentJobs)
}

// Stop halts dispatching and waits for in-flight jobs to finish.
func (q *SyncQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// Enqueue adds a job to the pending bucket. A job id already present in
// any bucket is ignored, so repeated enqueues of the same job cannot cause
// duplicate transfers.
func (q *SyncQueue) Enqueue(job *TransferJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.holdsLocked(job.ID) {
		return false
	}
	q.pending[job.ID] = job
	q.logger.Debug("job enqueued", "job_id", job.ID.String())
	return true
}

func (q *SyncQueue) holdsLocked(id uuid.UUID) bool {
	if _, ok := q.pending[id]; ok {
		return true
	}
	if _, ok := q.transferring[id]; ok {
		return true
	}
	if _, ok := q.completed[id]; ok {
		return true
	}
	if _, ok := q.failed[id]; ok {
		return true
	}
	if _, ok := q.conflicts[id]; ok {
		return true
	}
	return false
}

// Job looks a job up across all buckets.
func (q *SyncQueue) Job(id uuid.UUID) (*TransferJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, bucket := range []map[uuid.UUID]*TransferJob{q.pending, q.transferring, q.completed, q.failed} {
		if job, ok := bucket[id]; ok {
			return job, true
		}
	}
	if qc, ok := q.conflicts[id]; ok {
		return qc.job, true
	}
	return nil, false
}

// Stats returns the bucket sizes.
func (q *SyncQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[string]int{
		"pending":      len(q.pending),
		"transferring": len(q.transferring),
		"completed":    len(q.completed),
		"failed":       len(q.failed),
		"conflicts":    len(q.conflicts),
	}
}

// Conflicts returns the parked conflicts awaiting manual resolution.
func (q *SyncQueue) Conflicts() []*Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Conflict, 0, len(q.conflicts))
	for _, qc := range q.conflicts {
		out = append(out, qc.conflict)
	}
	return out
}

// RetryFailedSyncs moves failed jobs with remaining retry budget back to
// pending and returns how many were requeued. Jobs out of budget stay in
// the failed bucket.
func (q *SyncQueue) RetryFailedSyncs() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	requeued := 0
	for id, job := range q.failed {
		if !job.ResetForRetry() {
			continue
		}
		delete(q.failed, id)
		q.pending[id] = job
		requeued++
	}
	if requeued > 0 {
		q.logger.Info("failed jobs requeued", "count", requeued)
	}
	return requeued
}

// ResolveConflictManually applies a caller-chosen winner to a parked
// conflict. A source winner requeues the job; a dest winner completes it
// with the destination copy kept.
func (q *SyncQueue) ResolveConflictManually(jobID uuid.UUID, winner Winner) error {
	q.mu.Lock()
	qc, ok := q.conflicts[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	delete(q.conflicts, jobID)

	qc.conflict.Resolution = &Resolution{
		Winner:     winner,
		Strategy:   "manual",
		ResolvedAt: time.Now(),
	}

	if winner == WinnerSource {
		qc.job.Unpark()
		q.pending[jobID] = qc.job
		q.mu.Unlock()
		q.publish(qc.job)
		return nil
	}

	q.completed[jobID] = qc.job
	q.mu.Unlock()

	qc.job.Unpark()
	qc.job.SetStatus(JobCompleted)
	qc.job.SetProgress(checkpointDone)
	q.recordOutcome(qc.job)
	q.publish(qc.job)
	return nil
}

func (q *SyncQueue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatch(ctx)
		}
	}
}

// dispatch promotes pending jobs into the transferring bucket up to the
// concurrency cap and runs each on its own goroutine.
func (q *SyncQueue) dispatch(ctx context.Context) {
	q.mu.Lock()
	for id, job := range q.pending {
		if len(q.transferring) >= q.config.MaxConcurrentJobs {
			break
		}
		delete(q.pending, id)
		q.transferring[id] = job

		q.wg.Add(1)
		go func(job *TransferJob) {
			defer q.wg.Done()
			q.runJob(ctx, job)
		}(job)
	}
	q.mu.Unlock()
}

// runJob drives one job through the pipeline stages, reporting a checkpoint
// after each.
func (q *SyncQueue) runJob(ctx context.Context, job *TransferJob) {
	ctx, span := q.tracer.Start(ctx, "sync_queue.run_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.file", job.SourceFile.Name),
	)

	ctx, cancel := context.WithTimeout(ctx, q.config.JobTimeout)
	defer cancel()

	q.mu.Lock()
	q.jobCancels[job.ID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.jobCancels, job.ID)
		q.mu.Unlock()
	}()

	job.SetStatus(JobTransferring)

	data, err := q.executor.Download(ctx, job)
	if err != nil {
		q.finishFailed(job, span, err)
		return
	}
	job.SetBytes(int64(len(data)))
	q.checkpoint(job, checkpointDownloaded)

	if err := q.executor.Validate(ctx, job, data); err != nil {
		q.finishFailed(job, span, err)
		return
	}
	q.checkpoint(job, checkpointValidated)

	conflict, err := q.executor.CheckConflict(ctx, job)
	if err != nil {
		q.finishFailed(job, span, err)
		return
	}
	if conflict != nil {
		resolution, err := q.resolver.AutoResolve(ctx, conflict)
		if err != nil {
			q.finishFailed(job, span, err)
			return
		}
		if resolution == nil {
			q.parkConflict(job, conflict)
			return
		}
		if resolution.Winner == WinnerDest {
			// The destination copy wins; there is nothing left to
			// move.
			job.DestFile = resolution.File
			q.finishCompleted(job)
			return
		}
	}
	q.checkpoint(job, checkpointChecked)

	uploaded, err := q.executor.Upload(ctx, job, data)
	if err != nil {
		q.finishFailed(job, span, err)
		return
	}
	job.DestFile = uploaded
	q.checkpoint(job, checkpointUploaded)

	if err := q.executor.Verify(ctx, job, uploaded); err != nil {
		q.finishFailed(job, span, err)
		return
	}
	q.checkpoint(job, checkpointVerified)

	q.finishCompleted(job)
}

// Cancel stops a job wherever it is. Pending jobs are removed before they
// start; in-flight jobs have their context cancelled, which fails the
// current stage. Terminal jobs return ErrJobTerminal.
func (q *SyncQueue) Cancel(jobID uuid.UUID) error {
	q.mu.Lock()

	if job, ok := q.pending[jobID]; ok {
		delete(q.pending, jobID)
		q.failed[jobID] = job
		q.mu.Unlock()
		job.Fail(ErrCancelled)
		q.publish(job)
		return nil
	}
	if cancel, ok := q.jobCancels[jobID]; ok {
		q.mu.Unlock()
		cancel()
		return nil
	}
	if qc, ok := q.conflicts[jobID]; ok {
		delete(q.conflicts, jobID)
		q.failed[jobID] = qc.job
		q.mu.Unlock()
		qc.job.Fail(ErrCancelled)
		q.publish(qc.job)
		return nil
	}
	defer q.mu.Unlock()
	if _, ok := q.completed[jobID]; ok {
		return ErrJobTerminal
	}
	if _, ok := q.failed[jobID]; ok {
		return ErrJobTerminal
	}
	return ErrJobNotFound
}

// HandleFileChange reacts to a monitor event for a source file with an
// in-flight job. The conflict check reruns against fresh metadata; an
// unresolvable conflict cancels the pipeline and parks the job, while an
// auto-resolved one lets the transfer continue.
func (q *SyncQueue) HandleFileChange(ctx context.Context, fileID string) {
	q.mu.Lock()
	var job *TransferJob
	for _, j := range q.transferring {
		if j.SourceFile != nil && j.SourceFile.ID == fileID {
			job = j
			break
		}
	}
	q.mu.Unlock()

	if job == nil {
		return
	}

	conflict, err := q.executor.CheckConflict(ctx, job)
	if err != nil || conflict == nil {
		return
	}

	resolution, err := q.resolver.AutoResolve(ctx, conflict)
	if err == nil && resolution != nil {
		q.logger.Info("mid-transfer conflict auto-resolved",
			"job_id", job.ID.String(), "conflict_type", string(conflict.Type))
		return
	}

	// Mark the park before cancelling so the pipeline's failure path,
	// racing the park, skips its failed-job bookkeeping.
	q.mu.Lock()
	q.parking[job.ID] = true
	cancel, inFlight := q.jobCancels[job.ID]
	q.mu.Unlock()
	if inFlight {
		cancel()
	}
	q.parkConflict(job, conflict)
}

func (q *SyncQueue) checkpoint(job *TransferJob, progress int) {
	job.SetProgress(progress)
	q.publish(job)
}

func (q *SyncQueue) finishCompleted(job *TransferJob) {
	job.SetStatus(JobCompleted)
	job.SetProgress(checkpointDone)

	q.mu.Lock()
	delete(q.transferring, job.ID)
	q.completed[job.ID] = job
	q.mu.Unlock()

	q.recordOutcome(job)
	q.publish(job)
	q.logger.Info("job completed", "job_id", job.ID.String(), "file", job.SourceFile.Name)
}

// finishFailed moves a failed job either back to pending, when the error is
// retryable and budget remains, or into the failed bucket.
func (q *SyncQueue) finishFailed(job *TransferJob, span trace.Span, err error) {
	span.RecordError(err)

	q.mu.Lock()
	if q.parking[job.ID] {
		// A file-change conflict is parking this job; the cancelled
		// stage's failure is expected noise and must not reach the
		// ledger, where a failed record would permanently shadow the
		// eventual real outcome.
		q.mu.Unlock()
		return
	}
	if _, parked := q.conflicts[job.ID]; parked {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}
	job.Fail(err)

	q.mu.Lock()
	delete(q.transferring, job.ID)
	if provider.IsRetryable(err) && job.ResetForRetry() {
		q.pending[job.ID] = job
		q.mu.Unlock()
		q.logger.Warn("job requeued after retryable failure",
			"job_id", job.ID.String(), "attempt", job.RetryCount, "error", err)
		return
	}
	q.failed[job.ID] = job
	q.mu.Unlock()

	q.recordOutcome(job)
	q.publish(job)
	q.logger.Error("job failed", "job_id", job.ID.String(), "error", err)
}

func (q *SyncQueue) parkConflict(job *TransferJob, conflict *Conflict) {
	q.mu.Lock()
	delete(q.parking, job.ID)
	// The pipeline may have finished before the park caught up with it;
	// a completed job stays completed.
	if _, done := q.completed[job.ID]; done {
		q.mu.Unlock()
		return
	}
	delete(q.transferring, job.ID)
	q.conflicts[job.ID] = &queuedConflict{job: job, conflict: conflict}
	q.mu.Unlock()

	job.Park(ErrConflictUnresolved)

	if q.notifier != nil {
		q.notifier.Publish(EventConflict, conflict)
	}
	q.publish(job)
	q.logger.Warn("job parked on conflict",
		"job_id", job.ID.String(), "conflict_type", string(conflict.Type))
}

// recordOutcome writes the job's terminal state to the ledger. The store's
// idempotency by job id makes double recording harmless.
func (q *SyncQueue) recordOutcome(job *TransferJob) {
	if q.store == nil {
		return
	}

	status, _, transferred := job.Snapshot()
	entry := &HistoryEntry{
		JobID:       job.ID,
		UserID:      job.UserID,
		Timestamp:   time.Now(),
		FromService: job.SourceProvider,
		ToService:   job.DestProvider,
		FileNames:   []string{job.SourceFile.Name},
		TotalBytes:  transferred,
		Status:      status,
	}
	if err := q.store.RecordOutcome(entry); err != nil {
		q.logger.Error("outcome record failed", "job_id", job.ID.String(), "error", err)
	}
}

func (q *SyncQueue) publish(job *TransferJob) {
	if q.notifier != nil {
		q.notifier.PublishProgress(job)
	}
}
