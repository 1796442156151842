package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies notifier events.
type EventType string

const (
	EventProgress   EventType = "progress"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventConflict   EventType = "conflict"
	EventFileChange EventType = "file_change"
)

// ProgressUpdate is the payload attached to progress, completed and failed
// events.
type ProgressUpdate struct {
	JobID            uuid.UUID `json:"job_id"`
	SessionID        uuid.UUID `json:"session_id"`
	Progress         int       `json:"progress"`
	Status           JobStatus `json:"status"`
	FileName         string    `json:"file_name"`
	BytesTransferred int64     `json:"bytes_transferred,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Event is what listeners receive.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Listener receives events. Listeners run on the emitting goroutine and
// must not block.
type Listener func(Event)

// Notifier fans events out to registered listeners. A failing or absent
// listener never affects transfer outcomes.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[uuid.UUID]Listener
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[uuid.UUID]Listener),
	}
}

// Subscribe registers a listener and returns its id for Unsubscribe.
func (n *Notifier) Subscribe(l Listener) uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := uuid.New()
	n.listeners[id] = l
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (n *Notifier) Unsubscribe(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, id)
}

// Publish delivers an event to every registered listener. Listener panics
// are swallowed so one bad subscriber cannot take down a transfer.
func (n *Notifier) Publish(eventType EventType, data interface{}) {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	n.mu.RLock()
	listeners := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(event)
		}()
	}
}

// PublishProgress emits an event for a job's current state, choosing the
// event type from the job status.
func (n *Notifier) PublishProgress(job *TransferJob) {
	status, progress, transferred := job.Snapshot()

	eventType := EventProgress
	switch status {
	case JobCompleted:
		eventType = EventCompleted
	case JobFailed:
		eventType = EventFailed
	}

	fileName := ""
	if job.SourceFile != nil {
		fileName = job.SourceFile.Name
	}

	n.Publish(eventType, ProgressUpdate{
		JobID:            job.ID,
		SessionID:        job.SessionID,
		Progress:         progress,
		Status:           status,
		FileName:         fileName,
		BytesTransferred: transferred,
		Error:            job.Error,
	})
}
