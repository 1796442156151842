package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
)

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// MaxRetries is the per-job retry budget.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// UseQueue routes jobs through the background sync queue instead of
	// the direct two-leg pipeline. Both paths emit the same event shape.
	UseQueue bool `yaml:"use_queue" json:"use_queue"`
	// DownloadTimeout bounds the source leg.
	DownloadTimeout time.Duration `yaml:"download_timeout" json:"download_timeout"`
	// UploadTimeout bounds the destination leg.
	UploadTimeout time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
	// MetadataTimeout bounds metadata calls.
	MetadataTimeout time.Duration `yaml:"metadata_timeout" json:"metadata_timeout"`
	// MonitorSourceFiles registers each session's source files with the
	// file monitor for the session's lifetime.
	MonitorSourceFiles bool `yaml:"monitor_source_files" json:"monitor_source_files"`
}

// DefaultSessionConfig returns the session manager defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		MaxRetries:         3,
		UseQueue:           true,
		DownloadTimeout:    20 * time.Minute,
		UploadTimeout:      30 * time.Minute,
		MetadataTimeout:    30 * time.Second,
		MonitorSourceFiles: true,
	}
}

// SessionManager orchestrates transfer sessions. It owns the active
// session set, builds provider clients from connections, drives jobs
// either directly or through the sync queue, and keeps tokens fresh across
// both legs.
//
// It also implements Executor, so the queue calls back into it for the
// provider-facing stages.
type SessionManager struct {
	config    *SessionConfig
	factories map[provider.Provider]provider.ClientFactory
	store     Store
	queue     *SyncQueue
	monitor   *FileMonitor
	notifier  *Notifier
	logger    *logger.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	sessions   map[uuid.UUID]*TransferSession
	jobs       map[uuid.UUID]*TransferJob
	conns      map[string]*provider.Connection
	clients    map[string]provider.Client
	jobCancels map[uuid.UUID]context.CancelFunc
}

// NewSessionManager creates a session manager. A nil config uses defaults.
// The queue is attached separately because it needs the manager as its
// executor.
func NewSessionManager(config *SessionConfig, factories map[provider.Provider]provider.ClientFactory, store Store, monitor *FileMonitor, notifier *Notifier, log *logger.Logger) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	m := &SessionManager{
		config:     config,
		factories:  factories,
		store:      store,
		monitor:    monitor,
		notifier:   notifier,
		logger:     log.Named("session_manager"),
		tracer:     otel.Tracer("transfer.session_manager"),
		sessions:   make(map[uuid.UUID]*TransferSession),
		jobs:       make(map[uuid.UUID]*TransferJob),
		conns:      make(map[string]*provider.Connection),
		clients:    make(map[string]provider.Client),
		jobCancels: make(map[uuid.UUID]context.CancelFunc),
	}
	if monitor != nil {
		monitor.OnChange(m.retransferChanged)
	}
	return m
}

// AttachQueue wires the background sync queue in. Must be called before
// StartSession when UseQueue is set.
func (m *SessionManager) AttachQueue(q *SyncQueue) {
	m.queue = q
}

// StartSession validates both connections, creates one job per file and
// dispatches the jobs. Folder descriptors are rejected; transfers move
// files.
func (m *SessionManager) StartSession(ctx context.Context, userID string, source, dest *provider.Connection, files []*provider.FileDescriptor, destFolderID string) (*TransferSession, error) {
	ctx, span := m.tracer.Start(ctx, "session_manager.start_session")
	defer span.End()

	if err := source.Usable(); err != nil {
		authErr := &provider.AuthError{Provider: source.Provider, Message: err.Error(), ReauthRequired: source.RefreshToken() == ""}
		span.RecordError(authErr)
		return nil, authErr
	}
	if err := dest.Usable(); err != nil {
		authErr := &provider.AuthError{Provider: dest.Provider, Message: err.Error(), ReauthRequired: dest.RefreshToken() == ""}
		span.RecordError(authErr)
		return nil, authErr
	}

	var transferable []*provider.FileDescriptor
	for _, f := range files {
		if f.Kind == provider.KindFile {
			transferable = append(transferable, f)
		}
	}
	if len(transferable) == 0 {
		return nil, ErrNoFiles
	}

	m.mu.Lock()
	m.conns[source.ID] = source
	m.conns[dest.ID] = dest
	m.mu.Unlock()

	// Build both clients up front so a bad factory or connection fails
	// the session, not the first job.
	srcClient, err := m.clientFor(source)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := m.clientFor(dest); err != nil {
		span.RecordError(err)
		return nil, err
	}

	session := &TransferSession{
		ID:         uuid.New(),
		UserID:     userID,
		SourceConn: source,
		DestConn:   dest,
		Active:     true,
		CreatedAt:  time.Now(),
	}

	for _, f := range transferable {
		job := NewJob(session.ID, userID, source, dest, f, m.config.MaxRetries)
		job.DestFolderID = destFolderID
		session.Jobs = append(session.Jobs, job)
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	for _, job := range session.Jobs {
		m.jobs[job.ID] = job
	}
	m.mu.Unlock()

	for _, job := range session.Jobs {
		if m.store != nil {
			if err := m.store.SaveJob(job); err != nil {
				m.logger.Error("job save failed", "job_id", job.ID.String(), "error", err)
			}
		}
		if m.config.MonitorSourceFiles && m.monitor != nil {
			m.monitor.Watch(job.SourceFile.ID, srcClient, job.SourceFile)
			session.MonitoredFiles = append(session.MonitoredFiles, job.SourceFile.ID)
		}
	}

	span.SetAttributes(
		attribute.String("session.id", session.ID.String()),
		attribute.Int("session.jobs", len(session.Jobs)),
		attribute.String("session.source", string(source.Provider)),
		attribute.String("session.dest", string(dest.Provider)),
	)
	m.logger.Info("session started",
		"session_id", session.ID.String(),
		"user_id", userID,
		"jobs", len(session.Jobs),
		"source", string(source.Provider),
		"dest", string(dest.Provider))

	for _, job := range session.Jobs {
		m.dispatch(job)
	}

	return session, nil
}

func (m *SessionManager) dispatch(job *TransferJob) {
	if m.config.UseQueue && m.queue != nil {
		m.queue.Enqueue(job)
		return
	}
	go m.executeDirect(job)
}

// retransferChanged is the monitor's re-transfer trigger: a monitored
// source file that changed after its last transfer gets a fresh job on the
// owning session, copying the latest revision. Files whose current job is
// still in flight are skipped; the mid-transfer conflict path handles
// those.
func (m *SessionManager) retransferChanged(event ChangeEvent) {
	if event.Type != FileChanged || event.File == nil {
		return
	}

	m.mu.Lock()
	var session *TransferSession
	for _, s := range m.sessions {
		for _, fileID := range s.MonitoredFiles {
			if fileID == event.FileID {
				session = s
				break
			}
		}
		if session != nil {
			break
		}
	}
	if session == nil || !session.Active {
		m.mu.Unlock()
		return
	}

	// The newest job for this file carries the destination folder and
	// tells us whether a transfer is still running.
	var prior *TransferJob
	for _, j := range session.Jobs {
		if j.SourceFile != nil && j.SourceFile.ID == event.FileID {
			prior = j
		}
	}
	if prior == nil {
		m.mu.Unlock()
		return
	}
	if status, _, _ := prior.Snapshot(); !status.Terminal() {
		m.mu.Unlock()
		return
	}

	job := NewJob(session.ID, session.UserID, session.SourceConn, session.DestConn, event.File, m.config.MaxRetries)
	job.DestFolderID = prior.DestFolderID
	session.Jobs = append(session.Jobs, job)
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveJob(job); err != nil {
			m.logger.Error("job save failed", "job_id", job.ID.String(), "error", err)
		}
	}
	m.logger.Info("re-transfer triggered by file change",
		"session_id", session.ID.String(), "file_id", event.FileID, "job_id", job.ID.String())
	m.dispatch(job)
}

// StopSession deregisters the session's monitored files, marks it inactive
// and cancels its in-flight jobs. Completed job records are untouched.
func (m *SessionManager) StopSession(sessionID uuid.UUID) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	session.Active = false
	delete(m.sessions, sessionID)
	jobs := session.Jobs
	m.mu.Unlock()

	if m.monitor != nil {
		for _, fileID := range session.MonitoredFiles {
			m.monitor.Unwatch(fileID)
		}
	}

	for _, job := range jobs {
		if status, _, _ := job.Snapshot(); !status.Terminal() {
			_ = m.CancelTransfer(job.ID)
		}
	}

	m.logger.Info("session stopped", "session_id", sessionID.String())
	return nil
}

// Session returns an active session.
func (m *SessionManager) Session(sessionID uuid.UUID) (*TransferSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Job returns a tracked job by id.
func (m *SessionManager) Job(jobID uuid.UUID) (*TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// CancelTransfer stops a job at any state. Terminal jobs report
// ErrJobTerminal; everything else ends failed with a cancellation error.
func (m *SessionManager) CancelTransfer(jobID uuid.UUID) error {
	m.mu.Lock()
	_, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	if m.config.UseQueue && m.queue != nil {
		return m.queue.Cancel(jobID)
	}

	// The terminal check, the in-flight lookup and the fallback fail all
	// happen under the manager lock so a dispatched attempt cannot slip
	// between them and register afterwards: runDirectAttempt takes the
	// same lock and refuses to start once the job is terminal.
	m.mu.Lock()
	job := m.jobs[jobID]
	if status, _, _ := job.Snapshot(); status.Terminal() {
		m.mu.Unlock()
		return ErrJobTerminal
	}
	if cancel, inFlight := m.jobCancels[jobID]; inFlight {
		m.mu.Unlock()
		cancel()
		return nil
	}
	job.Fail(ErrCancelled)
	m.mu.Unlock()

	m.persist(job)
	m.publish(job)
	return nil
}

// PauseJob suspends an in-flight direct-mode job between pipeline legs.
func (m *SessionManager) PauseJob(jobID uuid.UUID) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	status, _, _ := job.Snapshot()
	if status != JobTransferring {
		return fmt.Errorf("job %s cannot pause from %s", jobID, status)
	}
	job.SetStatus(JobPaused)
	m.publish(job)
	return nil
}

// ResumeJob resumes a paused job.
func (m *SessionManager) ResumeJob(jobID uuid.UUID) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	status, _, _ := job.Snapshot()
	if status != JobPaused {
		return fmt.Errorf("job %s cannot resume from %s", jobID, status)
	}
	job.SetStatus(JobTransferring)
	m.publish(job)
	return nil
}

// RetryJob re-runs a failed job, consuming one retry from its budget.
func (m *SessionManager) RetryJob(jobID uuid.UUID) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	status, _, _ := job.Snapshot()
	if status != JobFailed {
		return fmt.Errorf("job %s cannot retry from %s", jobID, status)
	}
	if !job.ResetForRetry() {
		return ErrRetriesExhausted
	}

	if m.config.UseQueue && m.queue != nil {
		// The queue still holds the job in its failed bucket; a
		// direct Enqueue would be deduped away.
		m.queue.RetryFailedSyncs()
		return nil
	}
	go m.executeDirect(job)
	return nil
}

// executeDirect runs the two-leg pipeline for one job, retrying the whole
// pipeline while the failure is retryable and budget remains.
func (m *SessionManager) executeDirect(job *TransferJob) {
	for {
		err := m.runDirectAttempt(job)
		if err == nil {
			return
		}
		if provider.IsRetryable(err) && job.ResetForRetry() {
			m.logger.Warn("direct transfer retrying",
				"job_id", job.ID.String(), "attempt", job.RetryCount, "error", err)
			continue
		}
		job.Fail(err)
		m.persist(job)
		m.recordOutcome(job)
		m.publish(job)
		m.logger.Error("direct transfer failed", "job_id", job.ID.String(), "error", err)
		return
	}
}

func (m *SessionManager) runDirectAttempt(job *TransferJob) error {
	ctx, span := m.tracer.Start(context.Background(), "session_manager.transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.file", job.SourceFile.Name),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Registration and the terminal check share the manager lock with
	// CancelTransfer. A job cancelled before its attempt registered is
	// already failed; entering the pipeline would re-open it.
	m.mu.Lock()
	if status, _, _ := job.Snapshot(); status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	m.jobCancels[job.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.jobCancels, job.ID)
		m.mu.Unlock()
	}()

	job.SetStatus(JobTransferring)
	job.SetProgress(25)
	m.persist(job)
	m.publish(job)

	data, err := m.Download(ctx, job)
	if err != nil {
		span.RecordError(err)
		return m.asCancelled(ctx, err)
	}
	job.SetBytes(int64(len(data)))
	job.SetProgress(50)
	m.persist(job)
	m.publish(job)

	if err := m.Validate(ctx, job, data); err != nil {
		span.RecordError(err)
		return err
	}
	job.SetProgress(60)
	m.publish(job)

	if err := m.waitWhilePaused(ctx, job); err != nil {
		return m.asCancelled(ctx, err)
	}

	uploaded, err := m.Upload(ctx, job, data)
	if err != nil {
		span.RecordError(err)
		return m.asCancelled(ctx, err)
	}
	job.DestFile = uploaded
	job.SetProgress(90)
	m.persist(job)
	m.publish(job)

	if err := m.Verify(ctx, job, uploaded); err != nil {
		span.RecordError(err)
		return err
	}

	job.SetStatus(JobCompleted)
	job.SetProgress(100)
	m.persist(job)
	m.recordOutcome(job)
	m.publish(job)
	m.logger.Info("transfer completed",
		"job_id", job.ID.String(), "file", job.SourceFile.Name, "bytes", job.BytesTransferred)
	return nil
}

// asCancelled maps a context cancellation to the user-cancellation error so
// callers see a stable terminal reason.
func (m *SessionManager) asCancelled(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return ErrCancelled
	}
	return err
}

// waitWhilePaused blocks while the job sits in the paused state.
func (m *SessionManager) waitWhilePaused(ctx context.Context, job *TransferJob) error {
	for {
		status, _, _ := job.Snapshot()
		if status != JobPaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// clientFor returns the cached client for a connection, building one from
// the provider's factory on first use.
func (m *SessionManager) clientFor(conn *provider.Connection) (provider.Client, error) {
	m.mu.Lock()
	if client, ok := m.clients[conn.ID]; ok {
		m.mu.Unlock()
		return client, nil
	}
	factory, ok := m.factories[conn.Provider]
	m.mu.Unlock()

	if !ok {
		return nil, &provider.ValidationError{Message: fmt.Sprintf("no client factory for provider %q", conn.Provider)}
	}

	client, err := factory(conn)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.clients[conn.ID] = client
	m.mu.Unlock()
	return client, nil
}

// ValidateConnection probes the provider with a lightweight profile call. A
// stale access token is refreshed first when a refresh token is available.
func (m *SessionManager) ValidateConnection(ctx context.Context, conn *provider.Connection) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "session_manager.validate_connection")
	defer span.End()
	span.SetAttributes(attribute.String("connection.id", conn.ID))

	if conn.NeedsRefresh() {
		if err := m.refreshConnection(ctx, conn); err != nil {
			span.RecordError(err)
			return false, err
		}
	}

	client, err := m.clientFor(conn)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.MetadataTimeout)
	defer cancel()
	return client.ValidateToken(ctx), nil
}

// rebuildClient drops the cached client for a connection and constructs a
// fresh one. Used after a token refresh so the new client captures the
// refreshed credentials.
func (m *SessionManager) rebuildClient(conn *provider.Connection) (provider.Client, error) {
	m.mu.Lock()
	delete(m.clients, conn.ID)
	m.mu.Unlock()
	return m.clientFor(conn)
}

// refreshConnection refreshes the connection's token and atomically swaps
// it in. A rejected refresh token surfaces as a fatal auth error.
func (m *SessionManager) refreshConnection(ctx context.Context, conn *provider.Connection) error {
	refreshToken := conn.RefreshToken()
	if refreshToken == "" {
		return &provider.AuthError{Provider: conn.Provider, Message: "no refresh token available", ReauthRequired: true}
	}

	client, err := m.clientFor(conn)
	if err != nil {
		return err
	}

	token, err := client.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	conn.SetToken(*token)

	if _, err := m.rebuildClient(conn); err != nil {
		return err
	}
	m.logger.Debug("token refreshed", "connection_id", conn.ID, "provider", string(conn.Provider))
	return nil
}

// withAuthRetry runs one provider operation under the token policy: refresh
// proactively when the token is already expired, and on an auth failure
// refresh once and retry the operation exactly once. A failed refresh or a
// second auth failure is returned to the caller.
func (m *SessionManager) withAuthRetry(ctx context.Context, conn *provider.Connection, op func(provider.Client) error) error {
	if conn.NeedsRefresh() {
		if err := m.refreshConnection(ctx, conn); err != nil {
			return err
		}
	}

	client, err := m.clientFor(conn)
	if err != nil {
		return err
	}

	err = op(client)
	if err == nil {
		return nil
	}
	if !provider.IsAuth(err) || provider.IsReauthRequired(err) || conn.RefreshToken() == "" {
		return err
	}

	if refreshErr := m.refreshConnection(ctx, conn); refreshErr != nil {
		return refreshErr
	}
	client, clientErr := m.clientFor(conn)
	if clientErr != nil {
		return clientErr
	}
	return op(client)
}

// Download implements Executor: the source leg.
func (m *SessionManager) Download(ctx context.Context, job *TransferJob) ([]byte, error) {
	conn, err := m.connFor(job.SourceConnID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.DownloadTimeout)
	defer cancel()

	var data []byte
	err = m.withAuthRetry(ctx, conn, func(client provider.Client) error {
		var opErr error
		data, opErr = client.DownloadBytes(ctx, job.SourceFile.ID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Validate implements Executor: rejects empty or grossly mismatched
// payloads. Exported-format downloads legitimately differ in size from the
// source metadata, so only order-of-magnitude drift fails.
func (m *SessionManager) Validate(_ context.Context, job *TransferJob, data []byte) error {
	if len(data) == 0 {
		return &provider.ValidationError{Message: fmt.Sprintf("downloaded payload for %q is empty", job.SourceFile.Name)}
	}
	if job.TotalBytes > 0 {
		got := int64(len(data))
		if got > job.TotalBytes*2 || got*2 < job.TotalBytes {
			return &provider.ValidationError{Message: fmt.Sprintf(
				"downloaded %d bytes for %q, expected about %d", got, job.SourceFile.Name, job.TotalBytes)}
		}
	}
	return nil
}

// CheckConflict implements Executor. It re-fetches the source descriptor
// and compares it against the destination counterpart when one exists, or
// against the job's own baseline for a first transfer.
func (m *SessionManager) CheckConflict(ctx context.Context, job *TransferJob) (*Conflict, error) {
	conn, err := m.connFor(job.SourceConnID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.MetadataTimeout)
	defer cancel()

	var current *provider.FileDescriptor
	err = m.withAuthRetry(ctx, conn, func(client provider.Client) error {
		var opErr error
		current, opErr = client.GetMetadata(ctx, job.SourceFile.ID)
		return opErr
	})
	if err != nil {
		if provider.IsNotFound(err) {
			if job.DestFile != nil {
				return DetectConflict(job.ID, nil, job.DestFile), nil
			}
			// First transfer of a vanished file has no surviving
			// copy to prefer.
			return nil, err
		}
		return nil, err
	}

	if job.DestFile != nil {
		destConn, err := m.connFor(job.DestConnID)
		if err != nil {
			return nil, err
		}
		var destCurrent *provider.FileDescriptor
		err = m.withAuthRetry(ctx, destConn, func(client provider.Client) error {
			var opErr error
			destCurrent, opErr = client.GetMetadata(ctx, job.DestFile.ID)
			return opErr
		})
		if err != nil && !provider.IsNotFound(err) {
			return nil, err
		}
		return DetectConflict(job.ID, current, destCurrent), nil
	}

	// No destination copy yet. A source that moved since the job was
	// created means both the job's snapshot and the provider-side file
	// changed under us.
	if current.ModifiedTime.After(job.SourceFile.ModifiedTime) || current.Size != job.SourceFile.Size {
		conflict := &Conflict{
			ID:         uuid.New(),
			JobID:      job.ID,
			Type:       ConflictModifiedBoth,
			Severity:   SeverityLow,
			SourceFile: current,
			DestFile:   job.SourceFile,
			DetectedAt: time.Now(),
		}
		// Carry the fresh descriptor so a source-wins resolution
		// transfers the latest revision.
		job.SourceFile = current
		job.TotalBytes = current.Size
		return conflict, nil
	}
	return nil, nil
}

// Upload implements Executor: the destination leg, with the dest client
// rebuilt on refresh so the retried upload uses the new token.
func (m *SessionManager) Upload(ctx context.Context, job *TransferJob, data []byte) (*provider.FileDescriptor, error) {
	conn, err := m.connFor(job.DestConnID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.UploadTimeout)
	defer cancel()

	var uploaded *provider.FileDescriptor
	err = m.withAuthRetry(ctx, conn, func(client provider.Client) error {
		var opErr error
		uploaded, opErr = client.UploadBytes(ctx, data, job.SourceFile.Name, job.DestFolderID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return uploaded, nil
}

// Verify implements Executor: checks the uploaded descriptor round-trip.
func (m *SessionManager) Verify(_ context.Context, job *TransferJob, uploaded *provider.FileDescriptor) error {
	if uploaded == nil || uploaded.ID == "" {
		return &provider.ValidationError{Message: "upload returned no file descriptor"}
	}
	_, _, transferred := job.Snapshot()
	if uploaded.Size > 0 && transferred > 0 && uploaded.Size != transferred {
		return &provider.ValidationError{Message: fmt.Sprintf(
			"uploaded size %d does not match transferred bytes %d for %q",
			uploaded.Size, transferred, job.SourceFile.Name)}
	}
	return nil
}

// ListFolder pages through all children of a folder on the given
// connection, under the same token policy as the transfer legs.
func (m *SessionManager) ListFolder(ctx context.Context, conn *provider.Connection, folderID string) ([]*provider.FileDescriptor, error) {
	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	var files []*provider.FileDescriptor
	pageToken := ""
	for {
		var page *provider.ChildPage
		err := m.withAuthRetry(ctx, conn, func(client provider.Client) error {
			var opErr error
			page, opErr = client.ListChildren(ctx, folderID, pageToken, 100)
			return opErr
		})
		if err != nil {
			return nil, err
		}
		files = append(files, page.Items...)
		if !page.HasMore {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

func (m *SessionManager) connFor(connID string) (*provider.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, &provider.ValidationError{Message: fmt.Sprintf("unknown connection %q", connID)}
	}
	return conn, nil
}

func (m *SessionManager) persist(job *TransferJob) {
	if m.store == nil {
		return
	}
	status, progress, transferred := job.Snapshot()
	err := m.store.UpdateJob(job.ID, func(stored *TransferJob) {
		stored.Status = status
		stored.Progress = progress
		stored.BytesTransferred = transferred
		stored.RetryCount = job.RetryCount
		stored.Error = job.Error
		stored.UpdatedAt = time.Now()
	})
	if err != nil {
		m.logger.Error("job update failed", "job_id", job.ID.String(), "error", err)
	}
}

func (m *SessionManager) recordOutcome(job *TransferJob) {
	if m.store == nil {
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
	if err := m.store.RecordOutcome(entry); err != nil {
		m.logger.Error("outcome record failed", "job_id", job.ID.String(), "error", err)
	}
}

func (m *SessionManager) publish(job *TransferJob) {
	if m.notifier != nil {
		m.notifier.PublishProgress(job)
	}
}
