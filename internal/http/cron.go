package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"gitea.jw6.us/james/calcord/internal/calsync"
	httperrors "gitea.jw6.us/james/calcord/internal/http/errors"
)

type batchResponse struct {
	Message   string              `json:"message"`
	Processed int                 `json:"processed"`
	Succeeded int                 `json:"succeeded"`
	Errors    int                 `json:"errors"`
	Details   calsync.BatchResult `json:"details"`
}

// requireCronSecret checks "Authorization: Bearer <APP_CRON_SECRET>". With
// no secret configured the endpoints are open.
func (h *handlers) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.CronSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.CronSecret)) != 1 {
			httperrors.Write(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) cronPeriodicSync(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, "Periodic sync completed", h.engine.RunPeriodicSync)
}

func (h *handlers) cronRenewSubscriptions(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, "Subscription renewal completed", func(ctx context.Context) (calsync.BatchResult, error) {
		return h.engine.RenewExpiringChannels(ctx, h.cfg.Sync.RenewWithin)
	})
}

func (h *handlers) cronDailySummary(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, "Daily summary completed", h.engine.RunDailySummary)
}

// runBatch runs a job to completion even if the scheduler hangs up early.
func (h *handlers) runBatch(w http.ResponseWriter, r *http.Request, message string, job func(context.Context) (calsync.BatchResult, error)) {
	res, err := job(context.WithoutCancel(r.Context()))
	if err != nil {
		httperrors.InternalError(w, r, err, message+" failed")
		return
	}
	writeBatch(w, message, res)
}

func writeBatch(w http.ResponseWriter, message string, res calsync.BatchResult) {
	httperrors.JSON(w, http.StatusOK, batchResponse{
		Message:   message,
		Processed: res.Processed,
		Succeeded: len(res.Succeeded),
		Errors:    len(res.Errors),
		Details:   res,
	})
}
