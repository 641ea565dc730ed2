package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/calcord/internal/metrics"
)

// observeDB times a storage call: defer observeDB(ctx, "subscriptions.get")().
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
