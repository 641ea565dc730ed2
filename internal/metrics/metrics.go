package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcord_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcord_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calcord_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calcord_db_latency_seconds",
		Help:    "Histogram of storage operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcord_sync_runs_total",
		Help: "Subscription sync runs by outcome.",
	}, []string{"mode", "result"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calcord_sync_duration_seconds",
		Help:    "Duration of subscription sync runs.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"mode"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcord_notifications_total",
		Help: "Discord notifications by change type and delivery result.",
	}, []string{"type", "result"})

	pushNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcord_push_notifications_total",
		Help: "Google Calendar push notifications received by resource state.",
	}, []string{"state"})

	channelRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcord_channel_renewals_total",
		Help: "Watch channel registrations by result.",
	}, []string{"result"})

	dispatchQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calcord_dispatch_queue_depth",
		Help: "Webhook-triggered syncs waiting for a worker.",
	})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// The route pattern is only complete once chi has matched, so it is
			// read after the handler returns.
			ctx := context.WithValue(r.Context(), routeLabelKey, r.URL.Path)
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records storage latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveSync records one sync run. mode is "initial" or "incremental".
func ObserveSync(mode string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	syncRuns.WithLabelValues(mode, result).Inc()
	syncDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func NotificationSent(changeType string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	notifications.WithLabelValues(changeType, result).Inc()
}

func NotificationSuppressed(changeType string) {
	notifications.WithLabelValues(changeType, "suppressed").Inc()
}

func PushNotification(state string) {
	pushNotifications.WithLabelValues(state).Inc()
}

func ChannelRenewal(err error) {
	if err != nil {
		channelRenewals.WithLabelValues("error").Inc()
		return
	}
	channelRenewals.WithLabelValues("ok").Inc()
}

func DispatchQueueDepth(n int) {
	dispatchQueue.Set(float64(n))
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "background"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
