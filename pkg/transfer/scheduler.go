package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
)

// ScheduledTransfer is a recurring folder sweep: on each cron fire the
// source folder is listed and a session is started for its files.
type ScheduledTransfer struct {
	ID           uuid.UUID            `json:"id"`
	UserID       string               `json:"user_id"`
	CronSpec     string               `json:"cron_spec"`
	Source       *provider.Connection `json:"-"`
	Dest         *provider.Connection `json:"-"`
	SourceFolder string               `json:"source_folder"`
	DestFolder   string               `json:"dest_folder"`
	CreatedAt    time.Time            `json:"created_at"`
	LastRun      time.Time            `json:"last_run,omitempty"`
	LastError    string               `json:"last_error,omitempty"`

	entryID cron.EntryID
}

// Scheduler runs recurring transfers on cron expressions.
type Scheduler struct {
	cron    *cron.Cron
	manager *SessionManager
	logger  *logger.Logger

	mu        sync.Mutex
	schedules map[uuid.UUID]*ScheduledTransfer
}

// NewScheduler creates a scheduler driving sessions through the given
// manager. Standard five-field cron expressions plus the @every shorthand
// are accepted.
func NewScheduler(manager *SessionManager, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		manager:   manager,
		logger:    log.Named("scheduler"),
		schedules: make(map[uuid.UUID]*ScheduledTransfer),
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Add registers a recurring transfer and returns its id. The cron spec is
// validated up front.
func (s *Scheduler) Add(cronSpec, userID string, source, dest *provider.Connection, sourceFolder, destFolder string) (*ScheduledTransfer, error) {
	st := &ScheduledTransfer{
		ID:           uuid.New(),
		UserID:       userID,
		CronSpec:     cronSpec,
		Source:       source,
		Dest:         dest,
		SourceFolder: sourceFolder,
		DestFolder:   destFolder,
		CreatedAt:    time.Now(),
	}

	entryID, err := s.cron.AddFunc(cronSpec, func() {
		s.fire(st)
	})
	if err != nil {
		return nil, err
	}
	st.entryID = entryID

	s.mu.Lock()
	s.schedules[st.ID] = st
	s.mu.Unlock()

	s.logger.Info("schedule added",
		"schedule_id", st.ID.String(), "cron", cronSpec, "user_id", userID)
	return st, nil
}

// Remove unregisters a recurring transfer.
func (s *Scheduler) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.schedules[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.cron.Remove(st.entryID)
	delete(s.schedules, id)
	return nil
}

// List returns the registered schedules.
func (s *Scheduler) List() []*ScheduledTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ScheduledTransfer, 0, len(s.schedules))
	for _, st := range s.schedules {
		out = append(out, st)
	}
	return out
}

// fire performs one sweep: list the source folder, start a session for its
// files. An empty folder is a no-op, not an error.
func (s *Scheduler) fire(st *ScheduledTransfer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s.mu.Lock()
	st.LastRun = time.Now()
	st.LastError = ""
	s.mu.Unlock()

	files, err := s.manager.ListFolder(ctx, st.Source, st.SourceFolder)
	if err != nil {
		s.recordError(st, err)
		return
	}

	var transferable []*provider.FileDescriptor
	for _, f := range files {
		if f.Kind == provider.KindFile {
			transferable = append(transferable, f)
		}
	}
	if len(transferable) == 0 {
		s.logger.Debug("scheduled sweep found no files", "schedule_id", st.ID.String())
		return
	}

	session, err := s.manager.StartSession(ctx, st.UserID, st.Source, st.Dest, transferable, st.DestFolder)
	if err != nil {
		s.recordError(st, err)
		return
	}

	s.logger.Info("scheduled sweep started",
		"schedule_id", st.ID.String(),
		"session_id", session.ID.String(),
		"files", len(transferable))
}

func (s *Scheduler) recordError(st *ScheduledTransfer, err error) {
	s.mu.Lock()
	st.LastError = err.Error()
	s.mu.Unlock()
	s.logger.Error("scheduled sweep failed", "schedule_id", st.ID.String(), "error", err)
}
