package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chainorders/internal/domain"
	"chainorders/internal/metrics"
	"chainorders/internal/repository/endpoint_repo"
	"chainorders/internal/repository/event_repo"
)

// Dispatcher drains the delivery queue on a fixed interval, independent of
// request handling. Claimed events are delivered concurrently under a bounded
// pool; failures are rescheduled with exponential backoff until the attempt
// budget is spent.
type Dispatcher struct {
	eventRepo    event_repo.EventRepository
	endpointRepo endpoint_repo.EndpointRepository
	sender       *Sender
	metrics      *metrics.Metrics
	logger       *zap.Logger

	pollInterval time.Duration
	baseDelay    time.Duration
	batchSize    int
	concurrency  int

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
}

func NewDispatcher(
	eventRepo event_repo.EventRepository,
	endpointRepo endpoint_repo.EndpointRepository,
	sender *Sender,
	m *metrics.Metrics,
	pollInterval, baseDelay time.Duration,
	batchSize, concurrency int,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		eventRepo:      eventRepo,
		endpointRepo:   endpointRepo,
		sender:         sender,
		metrics:        m,
		logger:         logger,
		pollInterval:   pollInterval,
		baseDelay:      baseDelay,
		batchSize:      batchSize,
		concurrency:    concurrency,
		shutdownSignal: make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting webhook dispatcher",
		zap.Duration("poll_interval", d.pollInterval),
		zap.Duration("base_delay", d.baseDelay),
		zap.Int("batch_size", d.batchSize),
		zap.Int("concurrency", d.concurrency))

	ticker := time.NewTicker(d.pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.processBatch(ctx)
			case <-d.shutdownSignal:
				d.logger.Info("Webhook dispatcher stopped.")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownSignal)
	})
}

func (d *Dispatcher) processBatch(ctx context.Context) {
	events, err := d.eventRepo.ClaimDue(ctx, time.Now(), d.batchSize)
	if err != nil {
		d.logger.Error("Failed to claim due webhook events", zap.Error(err))
		return
	}
	if len(events) == 0 {
		d.logger.Debug("No due webhook events found.")
		return
	}

	d.logger.Info("Processing due webhook events", zap.Int("count", len(events)))

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		sem <- struct{}{}
		go func(ev *domain.WebhookEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, ev)
		}(ev)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev *domain.WebhookEvent) {
	ep, err := d.endpointRepo.ResolveEndpoint(ctx, ev.TargetKey)
	if err != nil {
		d.recordFailure(ctx, ev, nil, fmt.Sprintf("failed to resolve endpoint: %v", err))
		return
	}
	if ep == nil {
		d.recordFailure(ctx, ev, nil, "no webhook endpoint configured for key "+ev.TargetKey)
		return
	}

	envelope := NewEnvelope(string(ev.EventType), ev.CreatedAt, ev.Payload)

	// The resolved endpoint, not the URL captured at enqueue time: a vendor
	// who rotated their endpoint gets retries at the new URL, signed with
	// the matching secret.
	start := time.Now()
	result, err := d.sender.Send(ctx, ep.URL, []byte(ep.Secret), envelope)
	d.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		d.recordFailure(ctx, ev, nil, err.Error())
		return
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		d.recordFailure(ctx, ev, &result.StatusCode, fmt.Sprintf("endpoint returned %d", result.StatusCode))
		return
	}

	if err := d.eventRepo.MarkDelivered(ctx, ev.ID, result.StatusCode, result.Body, time.Now()); err != nil {
		d.logger.Error("Failed to mark webhook event delivered", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	d.metrics.Deliveries.WithLabelValues("success").Inc()
	d.logger.Info("Webhook event delivered",
		zap.String("event_id", ev.ID),
		zap.String("order_id", ev.OrderID),
		zap.Int("attempt", ev.AttemptNumber),
		zap.Int("status_code", result.StatusCode))
}

// recordFailure applies the retry law: the failure of attempt n schedules the
// next try at now + baseDelay*2^(n-1). Failing the final attempt is terminal.
func (d *Dispatcher) recordFailure(ctx context.Context, ev *domain.WebhookEvent, statusCode *int, errMsg string) {
	if ev.AttemptNumber < ev.MaxAttempts {
		next := time.Now().Add(d.BackoffDelay(ev.AttemptNumber))
		if err := d.eventRepo.MarkFailed(ctx, ev.ID, ev.AttemptNumber+1, &next, statusCode, errMsg); err != nil {
			d.logger.Error("Failed to record webhook delivery failure", zap.String("event_id", ev.ID), zap.Error(err))
			return
		}
		d.metrics.Deliveries.WithLabelValues("failed").Inc()
		d.logger.Warn("Webhook delivery attempt failed, retry scheduled",
			zap.String("event_id", ev.ID),
			zap.String("order_id", ev.OrderID),
			zap.Int("attempt", ev.AttemptNumber),
			zap.Time("next_retry_at", next),
			zap.String("error", errMsg))
		return
	}

	if err := d.eventRepo.MarkFailed(ctx, ev.ID, ev.AttemptNumber, nil, statusCode, errMsg); err != nil {
		d.logger.Error("Failed to record terminal webhook delivery failure", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	d.metrics.Deliveries.WithLabelValues("exhausted").Inc()
	d.logger.Error("Webhook delivery exhausted, giving up",
		zap.String("event_id", ev.ID),
		zap.String("order_id", ev.OrderID),
		zap.Int("attempts", ev.AttemptNumber),
		zap.String("error", errMsg))
}

// BackoffDelay returns baseDelay * 2^(failedAttempt-1).
func (d *Dispatcher) BackoffDelay(failedAttempt int) time.Duration {
	return d.baseDelay << (failedAttempt - 1)
}

// SendTest performs a single synchronous delivery of a synthetic test event,
// bypassing the queue. Used for endpoint verification; nothing is scheduled.
func (d *Dispatcher) SendTest(ctx context.Context, url, secret string) (*SendResult, error) {
	data, _ := json.Marshal(map[string]string{"message": "webhook endpoint verification"})
	envelope := NewEnvelope(string(domain.EventTest), time.Now(), data)

	result, err := d.sender.Send(ctx, url, []byte(secret), envelope)
	if err != nil {
		d.logger.Warn("Test webhook delivery failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	d.logger.Info("Test webhook delivered",
		zap.String("url", url),
		zap.Int("status_code", result.StatusCode))
	return result, nil
}
