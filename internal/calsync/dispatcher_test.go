package calsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSyncer struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	started chan string
}

func (s *recordingSyncer) SyncSubscription(ctx context.Context, subID string) (*SyncResult, error) {
	if s.started != nil {
		s.started <- subID
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, subID)
	s.mu.Unlock()
	if subID == "panic" {
		panic("boom")
	}
	return &SyncResult{SubscriptionID: subID}, nil
}

func (s *recordingSyncer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherRunsTriggeredSyncs(t *testing.T) {
	syncer := &recordingSyncer{}
	d := NewDispatcher(syncer, 2, 8, time.Second, quietLogger())

	assert.True(t, d.Trigger("a"))
	assert.True(t, d.Trigger("b"))
	require.NoError(t, d.Close(context.Background()))

	assert.ElementsMatch(t, []string{"a", "b"}, syncer.recorded())
}

func TestDispatcherCoalescesQueuedTriggers(t *testing.T) {
	syncer := &recordingSyncer{release: make(chan struct{}), started: make(chan string, 4)}
	d := NewDispatcher(syncer, 1, 8, time.Second, quietLogger())

	// Occupy the single worker so later triggers wait in the queue.
	require.True(t, d.Trigger("busy"))
	assert.Equal(t, "busy", <-syncer.started)

	assert.True(t, d.Trigger("a"))
	assert.True(t, d.Trigger("a"))
	assert.True(t, d.Trigger("a"))

	close(syncer.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"busy", "a"}, syncer.recorded())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	syncer := &recordingSyncer{release: make(chan struct{}), started: make(chan string, 4)}
	d := NewDispatcher(syncer, 1, 1, time.Second, quietLogger())

	require.True(t, d.Trigger("busy"))
	<-syncer.started
	assert.True(t, d.Trigger("a"))
	assert.False(t, d.Trigger("b"))

	close(syncer.release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := NewDispatcher(&recordingSyncer{}, 1, 1, time.Second, quietLogger())
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, d.Trigger("a"))
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	syncer := &recordingSyncer{}
	d := NewDispatcher(syncer, 1, 4, time.Second, quietLogger())

	d.Trigger("panic")
	d.Trigger("after")
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"panic", "after"}, syncer.recorded())
}

func TestDispatcherCloseCancelsOnDeadline(t *testing.T) {
	syncer := &recordingSyncer{release: make(chan struct{}), started: make(chan string, 1)}
	d := NewDispatcher(syncer, 1, 1, time.Minute, quietLogger())
	require.True(t, d.Trigger("stuck"))
	<-syncer.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	assert.Empty(t, syncer.recorded())
}
