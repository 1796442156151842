package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
)

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: logger.TextFormat,
		Output: io.Discard,
	})
}

// fakeClient is a controllable provider.Client for pipeline tests.
type fakeClient struct {
	conn *provider.Connection
	name provider.Provider

	mu           sync.Mutex
	refreshCalls int

	downloadFn func(ctx context.Context, fileID string) ([]byte, error)
	uploadFn   func(ctx context.Context, data []byte, targetName, destFolderID string) (*provider.FileDescriptor, error)
	metadataFn func(ctx context.Context, fileID string) (*provider.FileDescriptor, error)
	listFn     func(ctx context.Context, folderID, pageToken string, pageSize int) (*provider.ChildPage, error)
	refreshFn  func(ctx context.Context, refreshToken string) (*provider.Token, error)
}

func (f *fakeClient) Provider() provider.Provider { return f.name }

func (f *fakeClient) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (*provider.ChildPage, error) {
	if f.listFn != nil {
		return f.listFn(ctx, folderID, pageToken, pageSize)
	}
	return &provider.ChildPage{}, nil
}

func (f *fakeClient) GetMetadata(ctx context.Context, fileID string) (*provider.FileDescriptor, error) {
	if f.metadataFn != nil {
		return f.metadataFn(ctx, fileID)
	}
	return &provider.FileDescriptor{ID: fileID, Name: fileID, Kind: provider.KindFile}, nil
}

func (f *fakeClient) DownloadBytes(ctx context.Context, fileID string) ([]byte, error) {
	if f.downloadFn != nil {
		return f.downloadFn(ctx, fileID)
	}
	return []byte("payload"), nil
}

func (f *fakeClient) UploadBytes(ctx context.Context, data []byte, targetName, destFolderID string) (*provider.FileDescriptor, error) {
	if f.uploadFn != nil {
		return f.uploadFn(ctx, data, targetName, destFolderID)
	}
	return &provider.FileDescriptor{
		ID:   "uploaded-" + targetName,
		Name: targetName,
		Kind: provider.KindFile,
		Size: int64(len(data)),
	}, nil
}

func (f *fakeClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refreshFn != nil {
		return f.refreshFn(ctx, refreshToken)
	}
	return &provider.Token{
		AccessToken: "refreshed-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeClient) ValidateToken(ctx context.Context) bool { return true }

func (f *fakeClient) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// countingStore wraps MemoryStore-like behavior with outcome counters per
// job id.
type countingStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*TransferJob
	outcomes map[uuid.UUID]int
}

func newCountingStore() *countingStore {
	return &countingStore{
		jobs:     make(map[uuid.UUID]*TransferJob),
		outcomes: make(map[uuid.UUID]int),
	}
}

func (s *countingStore) SaveJob(job *TransferJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *countingStore) UpdateJob(jobID uuid.UUID, patch func(*TransferJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	_ = job
	return nil
}

func (s *countingStore) GetJob(jobID uuid.UUID) (*TransferJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *countingStore) ListJobsByUser(string, JobStatus) ([]*TransferJob, error) { return nil, nil }
func (s *countingStore) ArchiveJob(uuid.UUID) error                               { return nil }

func (s *countingStore) RecordOutcome(entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[entry.JobID]++
	return nil
}

func (s *countingStore) GetUsage(string) (*Usage, error) { return &Usage{}, nil }

func (s *countingStore) outcomeCount(jobID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[jobID]
}

func testConnection(id string, p provider.Provider) *provider.Connection {
	return provider.NewConnection(id, "user-1", p, provider.Token{
		AccessToken: "valid-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
}

func testJob(file *provider.FileDescriptor, maxRetries int) *TransferJob {
	source := testConnection("src-conn", provider.ProviderGoogle)
	dest := testConnection("dst-conn", provider.ProviderMicrosoft)
	return NewJob(uuid.New(), "user-1", source, dest, file, maxRetries)
}
