package orders

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chainorders/internal/app/lifecycle"
	"chainorders/internal/domain"
)

type OrderHandler struct {
	service    lifecycle.Service
	adminToken string
	logger     *zap.Logger
}

func NewOrderHandler(s lifecycle.Service, adminToken string, l *zap.Logger) *OrderHandler {
	return &OrderHandler{service: s, adminToken: adminToken, logger: l}
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for CreateOrder", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.service.CreateOrder(r.Context(), &req)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidOrder) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Error creating order", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	res, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, orderID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *OrderHandler) GetOrdersByVendorID(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")
	if vendorID == "" {
		http.Error(w, "Vendor ID is required", http.StatusBadRequest)
		return
	}

	res, err := h.service.GetOrdersByVendorID(r.Context(), vendorID)
	if err != nil {
		h.logger.Error("Error getting orders for vendor", zap.String("vendor_id", vendorID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	actor, ok := h.actorFromRequest(r)
	if !ok {
		http.Error(w, "Missing or invalid actor credentials", http.StatusForbidden)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.service.RequestTransition(r.Context(), orderID, domain.OrderStatus(req.Status), actor)
	if err != nil {
		h.writeServiceError(w, orderID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.RequiresExternalSignature {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(res)
}

type confirmPaymentRequest struct {
	Customer string `json:"customer"`
	TxHash   string `json:"tx_hash"`
}

func (h *OrderHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Customer == "" || req.TxHash == "" {
		http.Error(w, "customer and tx_hash are required", http.StatusBadRequest)
		return
	}

	res, err := h.service.ConfirmPayment(r.Context(), orderID, req.Customer, req.TxHash)
	if err != nil {
		h.writeServiceError(w, orderID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *OrderHandler) CompleteExternal(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	res, err := h.service.CompleteExternal(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, orderID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// actorFromRequest reads the caller's role and id from headers. The system
// role is never inferred from absence: it requires the admin bearer token.
func (h *OrderHandler) actorFromRequest(r *http.Request) (lifecycle.Actor, bool) {
	role := domain.Role(r.Header.Get("X-Actor-Role"))
	actorID := r.Header.Get("X-Actor-Id")
	if !role.Valid() || actorID == "" {
		return lifecycle.Actor{}, false
	}
	if role == domain.RoleSystem {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			return lifecycle.Actor{}, false
		}
	}
	return lifecycle.Actor{Role: role, ID: actorID}, true
}

func (h *OrderHandler) writeServiceError(w http.ResponseWriter, orderID string, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrOrderNotFound):
		http.Error(w, "Order not found", http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrLedgerOrderMissing), errors.Is(err, lifecycle.ErrPaymentNotSettled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrLedgerUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, lifecycle.ErrLedgerRejected):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.logger.Error("Unhandled service error", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
