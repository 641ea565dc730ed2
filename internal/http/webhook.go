package httpserver

import (
	"errors"
	"net/http"

	httperrors "gitea.jw6.us/james/calcord/internal/http/errors"
	"gitea.jw6.us/james/calcord/internal/metrics"
	"gitea.jw6.us/james/calcord/internal/store"
)

// Push notification headers sent by Google Calendar.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

type webhookResponse struct {
	Received       bool   `json:"received"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// googleWebhook accepts a push notification and queues a sync. It answers
// quickly; the sync runs on the dispatcher. Lookup failures are answered
// 200 so Google does not retry into an outage.
func (h *handlers) googleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(headerChannelID)
	resourceID := r.Header.Get(headerResourceID)
	state := r.Header.Get(headerResourceState)
	if channelID == "" || resourceID == "" {
		httperrors.Write(w, http.StatusBadRequest, "missing push notification headers")
		return
	}
	if state == "" {
		state = "unknown"
	}
	metrics.PushNotification(state)
	log := h.logger.With("channel_id", channelID, "resource_state", state)

	sub, err := h.subs.FindByGoogleChannel(r.Context(), channelID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("push notification for unknown channel")
		httperrors.Write(w, http.StatusNotFound, "unknown channel")
		return
	}
	if err != nil {
		log.Error("look up push channel", "err", err)
		httperrors.JSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	}
	log = log.With("subscription_id", sub.ID)

	if sub.GoogleResourceID != resourceID {
		log.Warn("push notification resource mismatch", "resource_id", resourceID)
		httperrors.Write(w, http.StatusBadRequest, "resource id mismatch")
		return
	}
	if token := r.Header.Get(headerChannelToken); token != "" && token != sub.ID {
		log.Warn("push notification token mismatch")
		httperrors.Write(w, http.StatusBadRequest, "channel token mismatch")
		return
	}

	switch state {
	case "sync", "exists":
		if !h.dispatcher.Trigger(sub.ID) {
			log.Warn("sync not queued")
		}
	case "not_exists":
		log.Info("watched resource no longer exists")
	default:
		log.Info("unhandled resource state")
	}
	httperrors.JSON(w, http.StatusOK, webhookResponse{Received: true, SubscriptionID: sub.ID})
}
