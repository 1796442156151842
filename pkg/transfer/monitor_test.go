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

func fastMonitorConfig(cooldown time.Duration) *MonitorConfig {
	return &MonitorConfig{
		PollInterval: 10 * time.Millisecond,
		Cooldown:     cooldown,
		PollTimeout:  time.Second,
	}
}

type changeCollector struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (cc *changeCollector) listen(e Event) {
	if ce, ok := e.Data.(ChangeEvent); ok {
		cc.mu.Lock()
		cc.events = append(cc.events, ce)
		cc.mu.Unlock()
	}
}

func (cc *changeCollector) count() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.events)
}

func (cc *changeCollector) last() (ChangeEvent, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.events) == 0 {
		return ChangeEvent{}, false
	}
	return cc.events[len(cc.events)-1], true
}

func TestMonitorEmitsOnMetadataChange(t *testing.T) {
	baseline := &provider.FileDescriptor{
		ID:           "f1",
		Name:         "doc.txt",
		Kind:         provider.KindFile,
		Size:         100,
		ModifiedTime: time.Now().Add(-time.Hour),
	}

	var mu sync.Mutex
	current := *baseline
	client := &fakeClient{name: provider.ProviderGoogle}
	client.metadataFn = func(context.Context, string) (*provider.FileDescriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		snapshot := current
		return &snapshot, nil
	}

	notifier := NewNotifier()
	cc := &changeCollector{}
	notifier.Subscribe(cc.listen)

	monitor := NewFileMonitor(fastMonitorConfig(time.Hour), notifier, testLogger())
	defer monitor.Stop()

	monitor.Watch("f1", client, baseline)

	// Unchanged metadata stays quiet.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, cc.count())

	mu.Lock()
	current.Size = 250
	current.ModifiedTime = time.Now()
	mu.Unlock()

	require.Eventually(t, func() bool { return cc.count() == 1 }, time.Second, 5*time.Millisecond)

	event, ok := cc.last()
	require.True(t, ok)
	assert.Equal(t, "f1", event.FileID)
	assert.Equal(t, FileChanged, event.Type)
	require.NotNil(t, event.File)
	assert.Equal(t, int64(250), event.File.Size)
}

func TestMonitorCooldownLimitsRetransferTrigger(t *testing.T) {
	var mu sync.Mutex
	size := int64(1)
	client := &fakeClient{name: provider.ProviderGoogle}
	client.metadataFn = func(context.Context, string) (*provider.FileDescriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		// Every poll sees a different size, so every poll is a change.
		size++
		return &provider.FileDescriptor{ID: "f1", Name: "doc", Kind: provider.KindFile, Size: size}, nil
	}

	notifier := NewNotifier()
	cc := &changeCollector{}
	notifier.Subscribe(cc.listen)

	monitor := NewFileMonitor(fastMonitorConfig(time.Hour), notifier, testLogger())
	defer monitor.Stop()

	var triggers int64
	monitor.OnChange(func(ChangeEvent) { atomic.AddInt64(&triggers, 1) })

	monitor.Watch("f1", client, &provider.FileDescriptor{ID: "f1", Size: 0})

	// Change events publish on every detection; only the re-transfer
	// trigger is held inside the cooldown window.
	require.Eventually(t, func() bool { return cc.count() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&triggers))
}

func TestMonitorTriggerFiresAgainAfterCooldown(t *testing.T) {
	var mu sync.Mutex
	size := int64(1)
	client := &fakeClient{name: provider.ProviderGoogle}
	client.metadataFn = func(context.Context, string) (*provider.FileDescriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		size++
		return &provider.FileDescriptor{ID: "f1", Name: "doc", Kind: provider.KindFile, Size: size}, nil
	}

	monitor := NewFileMonitor(fastMonitorConfig(25*time.Millisecond), NewNotifier(), testLogger())
	defer monitor.Stop()

	var triggers int64
	monitor.OnChange(func(ChangeEvent) { atomic.AddInt64(&triggers, 1) })

	monitor.Watch("f1", client, &provider.FileDescriptor{ID: "f1", Size: 0})

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&triggers) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorDeregistersDeletedFile(t *testing.T) {
	client := &fakeClient{name: provider.ProviderGoogle}
	client.metadataFn = func(_ context.Context, fileID string) (*provider.FileDescriptor, error) {
		return nil, &provider.NotFoundError{Provider: provider.ProviderGoogle, FileID: fileID}
	}

	notifier := NewNotifier()
	cc := &changeCollector{}
	notifier.Subscribe(cc.listen)

	monitor := NewFileMonitor(fastMonitorConfig(time.Hour), notifier, testLogger())
	defer monitor.Stop()

	monitor.Watch("gone", client, &provider.FileDescriptor{ID: "gone", Size: 5})
	require.True(t, monitor.Watching("gone"))

	require.Eventually(t, func() bool { return cc.count() == 1 }, time.Second, 5*time.Millisecond)

	event, _ := cc.last()
	assert.Equal(t, FileDeleted, event.Type)
	assert.Equal(t, "gone", event.FileID)
	assert.False(t, monitor.Watching("gone"))

	// Exactly one deletion event; the file is no longer polled.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cc.count())
}

func TestMonitorTransientErrorKeepsWatching(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	client := &fakeClient{name: provider.ProviderGoogle}
	client.metadataFn = func(context.Context, string) (*provider.FileDescriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		polls++
		if polls < 3 {
			return nil, &provider.TimeoutError{Provider: provider.ProviderGoogle, Operation: "metadata"}
		}
		return &provider.FileDescriptor{ID: "f1", Name: "doc", Kind: provider.KindFile, Size: 99, ModifiedTime: time.Now()}, nil
	}

	notifier := NewNotifier()
	cc := &changeCollector{}
	notifier.Subscribe(cc.listen)

	monitor := NewFileMonitor(fastMonitorConfig(time.Hour), notifier, testLogger())
	defer monitor.Stop()

	monitor.Watch("f1", client, &provider.FileDescriptor{ID: "f1", Size: 1})

	require.Eventually(t, func() bool { return cc.count() == 1 }, time.Second, 5*time.Millisecond)
	event, _ := cc.last()
	assert.Equal(t, FileChanged, event.Type)
	assert.True(t, monitor.Watching("f1"))
}

func TestMonitorRewatchRefreshesBaseline(t *testing.T) {
	client := &fakeClient{name: provider.ProviderGoogle}
	client.metadataFn = func(context.Context, string) (*provider.FileDescriptor, error) {
		return &provider.FileDescriptor{ID: "f1", Name: "doc", Kind: provider.KindFile, Size: 200}, nil
	}

	notifier := NewNotifier()
	cc := &changeCollector{}
	notifier.Subscribe(cc.listen)

	monitor := NewFileMonitor(fastMonitorConfig(time.Hour), notifier, testLogger())
	defer monitor.Stop()

	// Re-watching with the current size means the next poll sees no change.
	monitor.Watch("f1", client, &provider.FileDescriptor{ID: "f1", Size: 100})
	monitor.Watch("f1", client, &provider.FileDescriptor{ID: "f1", Size: 200})

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, cc.count())
}

func TestMonitorUnwatchAndStop(t *testing.T) {
	client := &fakeClient{name: provider.ProviderGoogle}

	monitor := NewFileMonitor(fastMonitorConfig(time.Hour), NewNotifier(), testLogger())
	defer monitor.Stop()

	monitor.Watch("a", client, &provider.FileDescriptor{ID: "a"})
	monitor.Watch("b", client, &provider.FileDescriptor{ID: "b"})
	assert.True(t, monitor.Watching("a"))
	assert.True(t, monitor.Watching("b"))

	monitor.Unwatch("a")
	assert.False(t, monitor.Watching("a"))
	assert.True(t, monitor.Watching("b"))

	// Unknown ids are ignored.
	monitor.Unwatch("missing")

	monitor.Stop()
	assert.False(t, monitor.Watching("b"))
}
