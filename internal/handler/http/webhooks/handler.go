package webhooks

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chainorders/internal/repository/event_repo"
	"chainorders/internal/webhook"
)

type WebhookHandler struct {
	dispatcher *webhook.Dispatcher
	eventRepo  event_repo.EventRepository
	logger     *zap.Logger
}

func NewWebhookHandler(d *webhook.Dispatcher, er event_repo.EventRepository, l *zap.Logger) *WebhookHandler {
	return &WebhookHandler{dispatcher: d, eventRepo: er, logger: l}
}

type testSendRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// SendTest fires one synchronous test delivery so a vendor can verify their
// endpoint and signature handling. Nothing is queued or retried.
func (h *WebhookHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" || req.Secret == "" {
		http.Error(w, "url and secret are required", http.StatusBadRequest)
		return
	}

	result, err := h.dispatcher.SendTest(r.Context(), req.URL, req.Secret)
	if err != nil {
		http.Error(w, "Test delivery failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status_code": result.StatusCode,
		"body":        result.Body,
	})
}

// ListByOrder exposes the delivery audit trail for one order.
func (h *WebhookHandler) ListByOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	events, err := h.eventRepo.GetEventsByOrderID(r.Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to list webhook events", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	type eventView struct {
		ID            string  `json:"id"`
		EventType     string  `json:"event_type"`
		Status        string  `json:"status"`
		AttemptNumber int     `json:"attempt_number"`
		MaxAttempts   int     `json:"max_attempts"`
		StatusCode    *int    `json:"status_code,omitempty"`
		ErrorMessage  *string `json:"error_message,omitempty"`
		NextRetryAt   *string `json:"next_retry_at,omitempty"`
		DeliveredAt   *string `json:"delivered_at,omitempty"`
		CreatedAt     string  `json:"created_at"`
	}

	views := make([]eventView, len(events))
	for i, ev := range events {
		v := eventView{
			ID:            ev.ID,
			EventType:     string(ev.EventType),
			Status:        string(ev.Status),
			AttemptNumber: ev.AttemptNumber,
			MaxAttempts:   ev.MaxAttempts,
			StatusCode:    ev.StatusCode,
			ErrorMessage:  ev.ErrorMessage,
			CreatedAt:     ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if ev.NextRetryAt != nil {
			s := ev.NextRetryAt.UTC().Format(time.RFC3339)
			v.NextRetryAt = &s
		}
		if ev.DeliveredAt != nil {
			s := ev.DeliveredAt.UTC().Format(time.RFC3339)
			v.DeliveredAt = &s
		}
		views[i] = v
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func RegisterRoutes(r chi.Router, d *webhook.Dispatcher, er event_repo.EventRepository, l *zap.Logger) {
	handler := NewWebhookHandler(d, er, l.With(zap.String("component", "WebhookHTTPHandler")))

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/test", handler.SendTest)
		r.Get("/order/{orderID}", handler.ListByOrder)
	})
}
