package calsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gitea.jw6.us/james/calcord/internal/metrics"
)

// Syncer runs one sync for a subscription.
type Syncer interface {
	SyncSubscription(ctx context.Context, subID string) (*SyncResult, error)
}

// Dispatcher runs webhook-triggered syncs on a bounded pool of workers,
// detached from the request that asked for them. A subscription that is
// already waiting in the queue is not queued twice.
type Dispatcher struct {
	syncer  Syncer
	timeout time.Duration
	logger  *slog.Logger

	queue   chan string
	mu      sync.Mutex
	pending map[string]bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines. Each run gets its own context
// bounded by timeout.
func NewDispatcher(syncer Syncer, workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		syncer:  syncer,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan string, queueSize),
		pending: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Trigger queues a sync and returns immediately. It reports false when the
// run was dropped because the queue is full or the dispatcher is closed;
// the periodic sweep picks those up.
func (d *Dispatcher) Trigger(subID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, sync dropped", "subscription_id", subID)
		return false
	}
	if d.pending[subID] {
		return true
	}
	select {
	case d.queue <- subID:
		d.pending[subID] = true
		metrics.DispatchQueueDepth(len(d.queue))
		return true
	default:
		d.logger.Warn("dispatch queue full, sync dropped", "subscription_id", subID)
		return false
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for subID := range d.queue {
		d.mu.Lock()
		delete(d.pending, subID)
		metrics.DispatchQueueDepth(len(d.queue))
		d.mu.Unlock()
		d.run(subID)
	}
}

func (d *Dispatcher) run(subID string) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sync panicked", "subscription_id", subID, "panic", r)
		}
	}()
	if _, err := d.syncer.SyncSubscription(ctx, subID); err != nil {
		d.logger.Error("triggered sync failed", "subscription_id", subID, "err", err)
	}
}

// Close stops accepting work and waits for queued runs to finish. When ctx
// ends first, in-flight runs are cancelled and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
