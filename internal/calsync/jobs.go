package calsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/calcord/internal/store"
)

// DefaultRenewWithin is how close to expiry a push channel gets renewed.
const DefaultRenewWithin = 6 * time.Hour

// ItemError records one subscription's failure in a batch.
type ItemError struct {
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error"`
}

// BatchResult aggregates a batch job. One failing subscription never stops
// the others.
type BatchResult struct {
	Processed int         `json:"processed"`
	Succeeded []string    `json:"succeeded"`
	Errors    []ItemError `json:"errors"`
}

// RunPeriodicSync syncs every active subscription and purges expired cache
// entries.
func (e *Engine) RunPeriodicSync(ctx context.Context) (BatchResult, error) {
	subs, err := e.subs.ListActive(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active subscriptions: %w", err)
	}
	res := e.forEach(ctx, subs, func(ctx context.Context, sub store.CalendarSubscription) error {
		_, err := e.SyncSubscription(ctx, sub.ID)
		return err
	})

	if purged, err := e.cache.PurgeExpired(ctx); err != nil {
		e.logger.Error("purge expired cache entries", "err", err)
	} else if purged > 0 {
		e.logger.Info("purged expired cache entries", "count", purged)
	}
	e.logger.Info("periodic sync finished",
		"processed", res.Processed, "succeeded", len(res.Succeeded), "errors", len(res.Errors))
	return res, nil
}

// RenewExpiringChannels re-registers push channels that expire within the
// given window, and registers one for active subscriptions that have none.
func (e *Engine) RenewExpiringChannels(ctx context.Context, within time.Duration) (BatchResult, error) {
	if within <= 0 {
		within = DefaultRenewWithin
	}
	subs, err := e.subs.ListExpiringBefore(ctx, e.now().Add(within))
	if err != nil {
		return BatchResult{}, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	res := e.forEach(ctx, subs, func(ctx context.Context, sub store.CalendarSubscription) error {
		return e.SetupWatchChannel(ctx, sub.ID)
	})
	e.logger.Info("channel renewal finished",
		"processed", res.Processed, "renewed", len(res.Succeeded), "errors", len(res.Errors))
	return res, nil
}

// forEach runs fn for each subscription with bounded concurrency and
// collects per-item outcomes.
func (e *Engine) forEach(ctx context.Context, subs []store.CalendarSubscription, fn func(context.Context, store.CalendarSubscription) error) BatchResult {
	var (
		mu  sync.Mutex
		res = BatchResult{Processed: len(subs), Succeeded: []string{}, Errors: []ItemError{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			err := fn(gctx, sub)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Error("batch item failed", "subscription_id", sub.ID, "err", err)
				res.Errors = append(res.Errors, ItemError{SubscriptionID: sub.ID, Error: err.Error()})
				return nil
			}
			res.Succeeded = append(res.Succeeded, sub.ID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Succeeded)
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].SubscriptionID < res.Errors[j].SubscriptionID })
	return res
}
