package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gardenlens/backend/internal/metrics"
)

const bodyLimit = 1 << 20 // 1 MiB

// PayloadHandler is the Guard behaviour the HTTP endpoint needs.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, payload []byte, sigHeader string) (Event, Ack, error)
}

type Handler struct {
	guard PayloadHandler
	log   *slog.Logger
}

func NewHandler(guard PayloadHandler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{guard: guard, log: log}
}

// ServeHTTP answers 200 for every authentic delivery, processed, duplicate or
// malformed alike, so the processor stops retrying. Only signature and
// internal failures are non-2xx.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	result := "error"
	defer func() {
		metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ev, ack, err := h.guard.HandlePayload(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if ev.Type != "" {
		eventType = ev.Type
	}
	switch {
	case errors.Is(err, ErrInvalidSignature):
		result = "invalid_signature"
		h.log.Warn("billing webhook rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		h.log.Error("billing webhook processing failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	result = string(ack)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
