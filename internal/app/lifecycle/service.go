package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"chainorders/internal/bus"
	"chainorders/internal/domain"
	"chainorders/internal/ledger"
	"chainorders/internal/metrics"
	"chainorders/internal/repository/endpoint_repo"
	"chainorders/internal/repository/order_repo"
	"chainorders/internal/util"
	"chainorders/internal/webhook"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidOrder       = errors.New("invalid order data")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrForbidden          = errors.New("actor is not allowed to perform this transition")
	ErrLedgerUnavailable  = errors.New("ledger unavailable, nothing was changed")
	ErrLedgerRejected     = errors.New("ledger rejected the operation, nothing was changed")
	ErrLedgerOrderMissing = errors.New("order does not exist on ledger")
	ErrPaymentNotSettled  = errors.New("payment is not reflected on ledger")
)

type Service interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*OrderResponse, error)
	GetOrdersByVendorID(ctx context.Context, vendorID string) ([]*OrderResponse, error)
	RequestTransition(ctx context.Context, orderID string, requested domain.OrderStatus, actor Actor) (*TransitionResult, error)
	ConfirmPayment(ctx context.Context, orderID, customer, txHash string) (*TransitionResult, error)
	CompleteExternal(ctx context.Context, orderID string) (*TransitionResult, error)
}

type service struct {
	orderRepo    order_repo.OrderRepository
	endpointRepo endpoint_repo.EndpointRepository
	ledger       ledger.Client
	bus          bus.Publisher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	locks        *orderLocks
	maxAttempts  int
	orderTTL     time.Duration
}

func NewService(
	orderRepo order_repo.OrderRepository,
	endpointRepo endpoint_repo.EndpointRepository,
	ledgerClient ledger.Client,
	publisher bus.Publisher,
	m *metrics.Metrics,
	maxAttempts int,
	orderTTL time.Duration,
	logger *zap.Logger,
) Service {
	return &service{
		orderRepo:    orderRepo,
		endpointRepo: endpointRepo,
		ledger:       ledgerClient,
		bus:          publisher,
		metrics:      m,
		logger:       logger,
		locks:        newOrderLocks(),
		maxAttempts:  maxAttempts,
		orderTTL:     orderTTL,
	}
}

func (s *service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	items := make([]domain.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = domain.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		}
	}

	ttl := s.orderTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	order, err := domain.NewOrder(util.GenerateUUID(), req.VendorID, req.Coin, items, ttl)
	if err != nil {
		s.logger.Warn("Failed to build order from request", zap.Error(err))
		return nil, ErrInvalidOrder
	}
	order.AmountINR = req.AmountINR

	ep, err := s.resolveEndpoint(ctx, order)
	if err != nil {
		return nil, err
	}
	payload, now, err := s.snapshotPayload(order, order.Status, nil)
	if err != nil {
		return nil, err
	}
	ev := s.newEvent(ep, order.ID, domain.EventOrderCreated, payload, now)

	if err := s.orderRepo.CreateOrder(ctx, order, ev); err != nil {
		s.logger.Error("Failed to persist order", zap.String("order_id", order.ID), zap.Error(err))
		return nil, errors.New("failed to create order")
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("vendor_id", order.VendorID),
		zap.Float64("total_amount", order.TotalAmount))

	s.mirrorToBus(ctx, order.ID, domain.EventOrderCreated, payload, now)
	return mapOrderToResponse(order), nil
}

func (s *service) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order = s.Reconcile(ctx, order)
	return mapOrderToResponse(order), nil
}

func (s *service) GetOrdersByVendorID(ctx context.Context, vendorID string) ([]*OrderResponse, error) {
	orders, err := s.orderRepo.GetOrdersByVendorID(ctx, vendorID)
	if err != nil {
		s.logger.Error("Failed to get orders for vendor", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, errors.New("internal server error")
	}
	responses := make([]*OrderResponse, len(orders))
	for i, order := range orders {
		responses[i] = mapOrderToResponse(s.Reconcile(ctx, order))
	}
	return responses, nil
}

// RequestTransition validates the transition against the state table and the
// actor's role, drives the ledger write, reconciles local state to the
// ledger's recorded status and emits exactly one event. Authorization runs
// before any ledger interaction, and the status write and the webhook
// enqueue commit in one transaction.
func (s *service) RequestTransition(ctx context.Context, orderID string, requested domain.OrderStatus, actor Actor) (*TransitionResult, error) {
	unlock := s.locks.lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status

	if !requested.Valid() {
		s.metrics.Transitions.WithLabelValues(string(requested), "rejected").Inc()
		return nil, ErrInvalidTransition
	}
	if from == requested {
		// Retried call after success: the order already converged.
		return &TransitionResult{OrderID: orderID, Status: from, TxHash: deref(order.TxHash)}, nil
	}
	if !domain.CanTransition(from, requested) {
		s.metrics.Transitions.WithLabelValues(string(requested), "rejected").Inc()
		s.logger.Warn("Transition not in state table",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(requested)))
		return nil, ErrInvalidTransition
	}
	if !domain.RoleAllows(actor.Role, from, requested) {
		s.metrics.Transitions.WithLabelValues(string(requested), "forbidden").Inc()
		s.logger.Warn("Actor not authorized for transition",
			zap.String("order_id", orderID),
			zap.String("role", string(actor.Role)),
			zap.String("from", string(from)),
			zap.String("to", string(requested)))
		return nil, ErrForbidden
	}

	if domain.RequiresExternalSignature(actor.Role, from, requested) {
		s.logger.Info("Transition requires the customer's own signature",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(requested)))
		return &TransitionResult{
			OrderID:                   orderID,
			Status:                    from,
			RequiresExternalSignature: true,
			ExternalAction:            domain.ExternalAction(from, requested),
		}, nil
	}

	// Resolved up front so an unreachable endpoint store fails the request
	// before the ledger is touched, never after.
	ep, err := s.resolveEndpoint(ctx, order)
	if err != nil {
		return nil, err
	}

	exists, err := s.ledger.Exists(ctx, orderID)
	if err != nil {
		s.metrics.LedgerCalls.WithLabelValues("exists", "error").Inc()
		if requested == domain.StatusCancelled {
			return s.cancelLocally(ctx, order, ep, "ledger unreachable")
		}
		s.metrics.Transitions.WithLabelValues(string(requested), "ledger_error").Inc()
		return nil, ErrLedgerUnavailable
	}
	if !exists {
		if requested == domain.StatusCancelled {
			// Never committed to the ledger, nothing to reconcile.
			return s.cancelLocally(ctx, order, ep, "order not on ledger")
		}
		s.metrics.Transitions.WithLabelValues(string(requested), "ledger_error").Inc()
		return nil, ErrLedgerOrderMissing
	}

	op, args := operationFor(actor.Role, from, requested)
	txHash, confirmed, err := s.ledger.Submit(ctx, orderID, op, args)
	if err != nil {
		return s.handleSubmitError(ctx, order, ep, requested, op, err)
	}
	s.metrics.LedgerCalls.WithLabelValues(string(op), "ok").Inc()

	// Never trust the requested status as final: read back what the ledger
	// actually recorded. Submit's confirmed status is the fallback if the
	// read-back itself fails.
	code, err := s.ledger.GetStatus(ctx, orderID)
	if err != nil {
		s.logger.Warn("Failed to read back ledger status, using submit confirmation",
			zap.String("order_id", orderID),
			zap.Error(err))
		code = confirmed
	}
	final, err := domain.StatusFromLedgerCode(code)
	if err != nil {
		s.logger.Error("Ledger returned unknown status code",
			zap.String("order_id", orderID),
			zap.Int("code", code))
		return nil, ErrLedgerRejected
	}

	payload, now, err := s.snapshotPayload(order, final, &txHash)
	if err != nil {
		return nil, err
	}
	eventType := domain.EventForTransition(final)
	ev := s.newEvent(ep, orderID, eventType, payload, now)

	if err := s.persistTransition(ctx, order, from, final, &txHash, ev); err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(string(final), "accepted").Inc()
	s.logger.Info("Order transition applied",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(final)),
		zap.String("tx_hash", txHash))

	s.mirrorToBus(ctx, orderID, eventType, payload, now)
	return &TransitionResult{OrderID: orderID, Status: final, TxHash: txHash}, nil
}

func (s *service) handleSubmitError(ctx context.Context, order *domain.Order, ep *endpoint_repo.Endpoint, requested domain.OrderStatus, op ledger.Operation, err error) (*TransitionResult, error) {
	s.metrics.LedgerCalls.WithLabelValues(string(op), "error").Inc()
	s.logger.Warn("Ledger submit failed",
		zap.String("order_id", order.ID),
		zap.String("operation", string(op)),
		zap.Error(err))

	switch {
	case errors.Is(err, ledger.ErrRejected):
		s.metrics.Transitions.WithLabelValues(string(requested), "ledger_error").Inc()
		return nil, ErrLedgerRejected
	case errors.Is(err, ledger.ErrOrderMissing):
		if requested == domain.StatusCancelled {
			return s.cancelLocally(ctx, order, ep, "order not on ledger")
		}
		s.metrics.Transitions.WithLabelValues(string(requested), "ledger_error").Inc()
		return nil, ErrLedgerOrderMissing
	default:
		// Timeouts and transport failures: the write must be treated as not
		// applied, never as ambiguous success. Cancellation alone may degrade
		// to a local-only close-out.
		if requested == domain.StatusCancelled {
			return s.cancelLocally(ctx, order, ep, "ledger unreachable")
		}
		s.metrics.Transitions.WithLabelValues(string(requested), "ledger_error").Inc()
		return nil, ErrLedgerUnavailable
	}
}

// cancelLocally is the degraded-mode fallback: an order that was never
// settled on the ledger can always be closed out locally.
func (s *service) cancelLocally(ctx context.Context, order *domain.Order, ep *endpoint_repo.Endpoint, reason string) (*TransitionResult, error) {
	from := order.Status
	payload, now, err := s.snapshotPayload(order, domain.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	ev := s.newEvent(ep, order.ID, domain.EventOrderCancelled, payload, now)

	if err := s.persistTransition(ctx, order, from, domain.StatusCancelled, nil, ev); err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(string(domain.StatusCancelled), "accepted").Inc()
	s.logger.Info("Order cancelled locally without ledger write",
		zap.String("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("reason", reason))

	s.mirrorToBus(ctx, order.ID, domain.EventOrderCancelled, payload, now)
	return &TransitionResult{OrderID: order.ID, Status: domain.StatusCancelled}, nil
}

// persistTransition writes the final status, with the webhook event when one
// is due, guarded by the status the engine read at the start. Losing that
// race means another writer moved the order; the ledger is re-read so the
// local row still converges.
func (s *service) persistTransition(ctx context.Context, order *domain.Order, from, to domain.OrderStatus, txHash *string, ev *domain.WebhookEvent) error {
	err := s.orderRepo.UpdateStatusFrom(ctx, order.ID, from, to, txHash, ev)
	if err == nil {
		order.Status = to
		if txHash != nil {
			order.TxHash = txHash
		}
		order.UpdatedAt = time.Now()
		return nil
	}
	if !errors.Is(err, order_repo.ErrStatusConflict) {
		s.logger.Error("Failed to persist order transition",
			zap.String("order_id", order.ID),
			zap.String("to", string(to)),
			zap.Error(err))
		return errors.New("failed to persist order status")
	}

	// Lost the CAS. Re-derive from the ledger rather than guessing.
	fresh, loadErr := s.loadOrder(ctx, order.ID)
	if loadErr != nil {
		return loadErr
	}
	*order = *s.Reconcile(ctx, fresh)
	return ErrInvalidTransition
}

// ConfirmPayment is the report-back path for the externally driven
// pending→paid move: the customer paid on-ledger, the caller tells us, and
// the engine verifies against the ledger before recording anything.
func (s *service) ConfirmPayment(ctx context.Context, orderID, customer, txHash string) (*TransitionResult, error) {
	unlock := s.locks.lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusPending {
		if order.Status == domain.StatusPaid && order.Customer != nil && *order.Customer == customer {
			return &TransitionResult{OrderID: orderID, Status: order.Status, TxHash: deref(order.TxHash)}, nil
		}
		return nil, ErrInvalidTransition
	}

	ep, err := s.resolveEndpoint(ctx, order)
	if err != nil {
		return nil, err
	}

	code, err := s.ledger.GetStatus(ctx, orderID)
	if err != nil {
		s.metrics.LedgerCalls.WithLabelValues("getStatus", "error").Inc()
		if errors.Is(err, ledger.ErrOrderMissing) {
			return nil, ErrLedgerOrderMissing
		}
		return nil, ErrLedgerUnavailable
	}
	s.metrics.LedgerCalls.WithLabelValues("getStatus", "ok").Inc()

	final, err := domain.StatusFromLedgerCode(code)
	if err != nil || final == domain.StatusPending {
		// The ledger does not show the payment yet; nothing is recorded.
		return nil, ErrPaymentNotSettled
	}

	if err := s.orderRepo.SetCustomer(ctx, orderID, customer); err != nil {
		s.logger.Error("Failed to record order customer", zap.String("order_id", orderID), zap.Error(err))
		return nil, errors.New("failed to record customer")
	}
	customerCopy := customer
	order.Customer = &customerCopy

	payload, now, err := s.snapshotPayload(order, final, &txHash)
	if err != nil {
		return nil, err
	}
	eventType := domain.EventForTransition(final)
	ev := s.newEvent(ep, orderID, eventType, payload, now)

	if err := s.persistTransition(ctx, order, domain.StatusPending, final, &txHash, ev); err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(string(final), "accepted").Inc()
	s.logger.Info("Payment confirmed",
		zap.String("order_id", orderID),
		zap.String("customer", customer),
		zap.String("tx_hash", txHash),
		zap.String("status", string(final)))

	s.mirrorToBus(ctx, orderID, eventType, payload, now)
	return &TransitionResult{OrderID: orderID, Status: final, TxHash: txHash}, nil
}

// CompleteExternal re-reads the ledger after an out-of-band customer-signed
// action and reconciles the local row, emitting the event for the observed
// move. No-op when nothing changed.
func (s *service) CompleteExternal(ctx context.Context, orderID string) (*TransitionResult, error) {
	unlock := s.locks.lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	prev := order.Status

	ep, err := s.resolveEndpoint(ctx, order)
	if err != nil {
		return nil, err
	}

	code, err := s.ledger.GetStatus(ctx, orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrOrderMissing) {
			return nil, ErrLedgerOrderMissing
		}
		return nil, ErrLedgerUnavailable
	}
	final, err := domain.StatusFromLedgerCode(code)
	if err != nil {
		return nil, ErrLedgerRejected
	}

	if final == prev {
		return &TransitionResult{OrderID: orderID, Status: prev, TxHash: deref(order.TxHash)}, nil
	}

	payload, now, err := s.snapshotPayload(order, final, nil)
	if err != nil {
		return nil, err
	}
	eventType := domain.EventForTransition(final)
	ev := s.newEvent(ep, orderID, eventType, payload, now)

	if err := s.orderRepo.UpdateStatus(ctx, orderID, final, nil, ev); err != nil {
		s.logger.Error("Failed to persist externally completed transition",
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, errors.New("failed to persist order status")
	}
	order.Status = final

	s.metrics.Transitions.WithLabelValues(string(final), "accepted").Inc()
	s.logger.Info("External transition reconciled",
		zap.String("order_id", orderID),
		zap.String("from", string(prev)),
		zap.String("to", string(final)))

	s.mirrorToBus(ctx, orderID, eventType, payload, now)
	return &TransitionResult{OrderID: orderID, Status: final, TxHash: deref(order.TxHash)}, nil
}

// Reconcile overwrites the local status with the ledger's whenever the two
// disagree. Called on every read path so a crash between ledger confirmation
// and local persistence heals on the next read. If the ledger cannot be
// consulted the local value is served as-is.
func (s *service) Reconcile(ctx context.Context, order *domain.Order) *domain.Order {
	exists, err := s.ledger.Exists(ctx, order.ID)
	if err != nil {
		s.logger.Warn("Skipping reconciliation, ledger unreachable",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return order
	}
	if !exists {
		return order
	}

	code, err := s.ledger.GetStatus(ctx, order.ID)
	if err != nil {
		s.logger.Warn("Skipping reconciliation, ledger status unreadable",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return order
	}
	ledgerStatus, err := domain.StatusFromLedgerCode(code)
	if err != nil {
		s.logger.Error("Ledger returned unknown status code during reconciliation",
			zap.String("order_id", order.ID),
			zap.Int("code", code))
		return order
	}

	if ledgerStatus == order.Status {
		return order
	}

	s.logger.Info("Reconciling local status to ledger",
		zap.String("order_id", order.ID),
		zap.String("local_status", string(order.Status)),
		zap.String("ledger_status", string(ledgerStatus)))

	if err := s.orderRepo.UpdateStatus(ctx, order.ID, ledgerStatus, nil, nil); err != nil {
		s.logger.Error("Failed to persist reconciled status",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return order
	}
	order.Status = ledgerStatus
	return order
}

func (s *service) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orderRepo.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("Order not found", zap.String("order_id", orderID))
			return nil, ErrOrderNotFound
		}
		s.logger.Error("Failed to load order", zap.String("order_id", orderID), zap.Error(err))
		return nil, errors.New("internal server error")
	}
	return order, nil
}

// resolveEndpoint looks up the vendor's webhook destination. A vendor without
// one gets (nil, nil): the transition proceeds and only the enqueue is
// skipped. A store failure is surfaced so no accepted transition can slip
// through without its queued notification.
func (s *service) resolveEndpoint(ctx context.Context, order *domain.Order) (*endpoint_repo.Endpoint, error) {
	ep, err := s.endpointRepo.ResolveEndpoint(ctx, order.VendorID)
	if err != nil {
		s.logger.Error("Failed to resolve webhook endpoint",
			zap.String("order_id", order.ID),
			zap.String("vendor_id", order.VendorID),
			zap.Error(err))
		return nil, errors.New("failed to resolve webhook endpoint")
	}
	return ep, nil
}

// snapshotPayload marshals the vendor-facing order snapshot as it will look
// once the transition lands, before anything is written.
func (s *service) snapshotPayload(order *domain.Order, status domain.OrderStatus, txHash *string) ([]byte, time.Time, error) {
	snapshot := *order
	snapshot.Status = status
	if txHash != nil {
		snapshot.TxHash = txHash
	}
	payload, err := json.Marshal(orderSnapshot(&snapshot))
	if err != nil {
		s.logger.Error("Failed to marshal event payload", zap.String("order_id", order.ID), zap.Error(err))
		return nil, time.Time{}, errors.New("failed to marshal event payload")
	}
	return payload, time.Now(), nil
}

func (s *service) newEvent(ep *endpoint_repo.Endpoint, orderID string, eventType domain.EventType, payload []byte, now time.Time) *domain.WebhookEvent {
	if ep == nil {
		return nil
	}
	return &domain.WebhookEvent{
		ID:            util.GenerateUUID(),
		OrderID:       orderID,
		TargetURL:     ep.URL,
		TargetKey:     ep.Key,
		EventType:     eventType,
		Payload:       payload,
		Status:        domain.WebhookStatusPending,
		AttemptNumber: 1,
		MaxAttempts:   s.maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// mirrorToBus publishes the envelope onto the internal topic. Best-effort:
// the durable copy is the webhook row committed with the transition.
func (s *service) mirrorToBus(ctx context.Context, orderID string, eventType domain.EventType, payload []byte, at time.Time) {
	envelope := webhook.NewEnvelope(string(eventType), at, payload)
	envelopeBytes, err := envelope.Marshal()
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, orderID, envelopeBytes); err != nil {
		s.logger.Warn("Failed to mirror event to bus", zap.String("order_id", orderID), zap.Error(err))
	}
}

// orderSnapshot is the vendor-facing payload of the order at the moment of
// transition.
func orderSnapshot(order *domain.Order) map[string]any {
	snapshot := map[string]any{
		"orderId":         order.ID,
		"vendorAddress":   order.VendorID,
		"customerAddress": order.Customer,
		"items":           order.Items,
		"totalAmount":     order.TotalAmount,
		"coin":            order.Coin,
		"status":          string(order.Status),
		"transactionHash": order.TxHash,
		"expiresAt":       order.ExpiresAt.UTC().Format(time.RFC3339),
		"createdAt":       order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if order.AmountINR != nil {
		snapshot["amountInr"] = *order.AmountINR
	}
	return snapshot
}

func operationFor(role domain.Role, from, to domain.OrderStatus) (ledger.Operation, ledger.SubmitArgs) {
	switch {
	case from == domain.StatusPaid && to == domain.StatusConfirmed && role == domain.RoleCustomer:
		return ledger.OpAcceptByCustomer, ledger.SubmitArgs{}
	case from == domain.StatusPaid && to == domain.StatusConfirmed:
		return ledger.OpConfirmByVendor, ledger.SubmitArgs{}
	case to == domain.StatusCancelled:
		return ledger.OpCancel, ledger.SubmitArgs{}
	case to == domain.StatusRefunded:
		return ledger.OpRefund, ledger.SubmitArgs{}
	default:
		return ledger.OpSetStatus, ledger.SubmitArgs{StatusCode: to.LedgerCode()}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
