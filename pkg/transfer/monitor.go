package transfer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
)

// ChangeType classifies what the monitor observed about a watched file.
type ChangeType string

const (
	FileChanged ChangeType = "file_changed"
	FileDeleted ChangeType = "file_deleted"
)

// ChangeEvent is emitted to the monitor's notifier when a watched file
// diverges from its last observed state.
type ChangeEvent struct {
	FileID     string                   `json:"file_id"`
	Type       ChangeType               `json:"type"`
	File       *provider.FileDescriptor `json:"file,omitempty"`
	DetectedAt time.Time                `json:"detected_at"`
}

// MonitorConfig tunes the file monitor.
type MonitorConfig struct {
	// PollInterval is the shared ticker period for all watched files.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// Cooldown limits how often a changed file re-triggers a transfer.
	// Change events still publish on every detection; only the trigger
	// is held back. The default assumes users rarely want the same
	// document re-copied more often than this.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// PollTimeout bounds a single metadata fetch.
	PollTimeout time.Duration `yaml:"poll_timeout" json:"poll_timeout"`
}

// DefaultMonitorConfig returns the monitor defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		PollInterval: 30 * time.Second,
		Cooldown:     5 * time.Minute,
		PollTimeout:  15 * time.Second,
	}
}

type watchedFile struct {
	fileID        string
	client        provider.Client
	lastModified  time.Time
	lastSize      int64
	lastTriggered time.Time
}

// FileMonitor polls watched source files for metadata changes on one shared
// ticker. The polling goroutine runs only while at least one file is
// watched; the ticker stops when the watch set empties.
type FileMonitor struct {
	config   *MonitorConfig
	notifier *Notifier
	logger   *logger.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	watched map[string]*watchedFile
	trigger func(ChangeEvent)
	cancel  context.CancelFunc
}

// NewFileMonitor creates a monitor publishing change events to the given
// notifier. A nil config uses defaults.
func NewFileMonitor(config *MonitorConfig, notifier *Notifier, log *logger.Logger) *FileMonitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	return &FileMonitor{
		config:   config,
		notifier: notifier,
		logger:   log.Named("file_monitor"),
		tracer:   otel.Tracer("transfer.file_monitor"),
		watched:  make(map[string]*watchedFile),
	}
}

// OnChange registers the re-transfer trigger. The monitor invokes it for a
// changed file at most once per cooldown window, on its own goroutine so
// the trigger may call back into the monitor.
func (m *FileMonitor) OnChange(fn func(ChangeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = fn
}

// Watch registers a file for change polling, seeding the baseline from the
// given descriptor. Watching an already-watched file refreshes its
// baseline. The first Watch starts the polling loop.
func (m *FileMonitor) Watch(fileID string, client provider.Client, baseline *provider.FileDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &watchedFile{
		fileID: fileID,
		client: client,
	}
	if baseline != nil {
		w.lastModified = baseline.ModifiedTime
		w.lastSize = baseline.Size
	}
	m.watched[fileID] = w

	if m.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.run(ctx)
		m.logger.Debug("monitor loop started")
	}
}

// Unwatch stops polling a file. Unknown ids are ignored. Removing the last
// watched file stops the polling loop.
func (m *FileMonitor) Unwatch(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.watched, fileID)
	if len(m.watched) == 0 && m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.logger.Debug("monitor loop stopped, watch set empty")
	}
}

// Watching reports whether a file is currently polled.
func (m *FileMonitor) Watching(fileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[fileID]
	return ok
}

// Stop halts the polling loop and clears the watch set.
func (m *FileMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.watched = make(map[string]*watchedFile)
}

func (m *FileMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

func (m *FileMonitor) pollAll(ctx context.Context) {
	m.mu.Lock()
	files := make([]*watchedFile, 0, len(m.watched))
	for _, w := range m.watched {
		files = append(files, w)
	}
	m.mu.Unlock()

	for _, w := range files {
		m.pollOne(ctx, w)
	}
}

// pollOne fetches current metadata for one watched file and emits a change
// event when it diverged. Every detected change publishes; the re-transfer
// trigger additionally fires when the file is outside its cooldown window.
func (m *FileMonitor) pollOne(ctx context.Context, w *watchedFile) {
	ctx, span := m.tracer.Start(ctx, "file_monitor.poll")
	defer span.End()
	span.SetAttributes(attribute.String("file.id", w.fileID))

	pollCtx, cancel := context.WithTimeout(ctx, m.config.PollTimeout)
	defer cancel()

	current, err := w.client.GetMetadata(pollCtx, w.fileID)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// The file may have been unwatched while the fetch was in flight.
	if _, still := m.watched[w.fileID]; !still {
		return
	}

	if err != nil {
		if provider.IsNotFound(err) {
			// A vanished file is deregistered; there is nothing left
			// to poll.
			delete(m.watched, w.fileID)
			if len(m.watched) == 0 && m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
			m.emit(ChangeEvent{FileID: w.fileID, Type: FileDeleted, DetectedAt: now})
			return
		}
		// Transient poll failures are logged, not surfaced; the next
		// tick retries.
		span.RecordError(err)
		m.logger.Warn("file poll failed", "file_id", w.fileID, "error", err)
		return
	}

	changed := current.ModifiedTime.After(w.lastModified) || current.Size != w.lastSize
	if !changed {
		return
	}

	w.lastModified = current.ModifiedTime
	w.lastSize = current.Size

	event := ChangeEvent{FileID: w.fileID, Type: FileChanged, File: current, DetectedAt: now}
	m.emit(event)

	if m.trigger == nil || now.Sub(w.lastTriggered) < m.config.Cooldown {
		return
	}
	w.lastTriggered = now
	go m.trigger(event)
}

func (m *FileMonitor) emit(event ChangeEvent) {
	m.logger.Info("file change detected", "file_id", event.FileID, "change", string(event.Type))
	if m.notifier != nil {
		m.notifier.Publish(EventFileChange, event)
	}
}
