package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/model"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               *storage.DB
	queue               queue.EventQueue
	metrics             *metrics.Metrics
	logger              *slog.Logger
	ready               *atomic.Bool
	maxRequestBodyBytes int64
}

// HandleIntake handles POST /webhooks.
//
// A new submission is admitted only when the queue has advisory capacity;
// rejection leaves the row pending for the next recovery cycle, so a 429
// never loses the event. Duplicates replay the stored event with 200.
func (h *Handlers) HandleIntake(w http.ResponseWriter, r *http.Request) {
	var req model.WebhookRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, isNew, err := h.store.InsertOrGet(r.Context(), req)
	if err != nil {
		h.logger.Error("insert event failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if !isNew {
		h.metrics.EventsTotal.WithLabelValues(metrics.ResultDuplicate).Inc()
		h.logger.Info("duplicate event", "idempotency_key", req.IdempotencyKey, "event_id", ev.ID)
		writeJSON(w, http.StatusOK, model.NewWebhookResponse(ev))
		return
	}

	if h.queue.Full() {
		h.metrics.EventsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		h.logger.Warn("queue full, rejecting event", "event_id", ev.ID)
		writeError(w, http.StatusTooManyRequests, "queue full, retry later")
		return
	}

	h.queue.Put(ev.ID)
	h.metrics.EventsTotal.WithLabelValues(metrics.ResultAccepted).Inc()
	h.metrics.QueueDepth.Set(float64(h.queue.Len()))
	h.logger.Info("accepted event", "event_id", ev.ID, "event_type", req.EventType)
	writeJSON(w, http.StatusAccepted, model.NewWebhookResponse(ev))
}

// HandleGetByID handles GET /webhooks/{id}.
func (h *Handlers) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	ev, ok, err := h.store.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("get event failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, model.NewEventView(ev))
}

// HandleGetByKey handles GET /webhooks?idempotency_key=.
func (h *Handlers) HandleGetByKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key query parameter is required")
		return
	}
	ev, ok, err := h.store.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		h.logger.Error("get event failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, model.NewEventView(ev))
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady handles GET /ready. 503 until startup (including the recovery
// load) has finished.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
