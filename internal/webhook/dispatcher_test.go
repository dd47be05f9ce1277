package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainorders/internal/domain"
	"chainorders/internal/metrics"
	"chainorders/internal/repository/endpoint_repo"
)

type fakeEventRepo struct {
	mu        sync.Mutex
	due       []*domain.WebhookEvent
	delivered map[string]int
	failed    map[string]failure
}

type failure struct {
	attemptNumber int
	nextRetryAt   *time.Time
	statusCode    *int
	errorMessage  string
}

func newFakeEventRepo(due ...*domain.WebhookEvent) *fakeEventRepo {
	return &fakeEventRepo{
		due:       due,
		delivered: make(map[string]int),
		failed:    make(map[string]failure),
	}
}

func (f *fakeEventRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claimed := f.due
	f.due = nil
	return claimed, nil
}

func (f *fakeEventRepo) MarkDelivered(ctx context.Context, id string, statusCode int, responseBody string, deliveredAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[id] = statusCode
	return nil
}

func (f *fakeEventRepo) MarkFailed(ctx context.Context, id string, attemptNumber int, nextRetryAt *time.Time, statusCode *int, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = failure{attemptNumber: attemptNumber, nextRetryAt: nextRetryAt, statusCode: statusCode, errorMessage: errorMessage}
	return nil
}

func (f *fakeEventRepo) GetEventsByOrderID(ctx context.Context, orderID string) ([]*domain.WebhookEvent, error) {
	return nil, nil
}

type fakeEndpointRepo struct {
	endpoints map[string]*endpoint_repo.Endpoint
}

func (f *fakeEndpointRepo) ResolveEndpoint(ctx context.Context, key string) (*endpoint_repo.Endpoint, error) {
	return f.endpoints[key], nil
}

func newDispatcher(t *testing.T, events *fakeEventRepo, endpoints *fakeEndpointRepo, baseDelay time.Duration) *Dispatcher {
	t.Helper()
	return NewDispatcher(
		events,
		endpoints,
		NewSender(2*time.Second, zap.NewNop()),
		metrics.NewUnregistered(),
		time.Minute,
		baseDelay,
		100,
		4,
		zap.NewNop(),
	)
}

func dueEvent(id string, url string, attempt, max int) *domain.WebhookEvent {
	now := time.Now()
	return &domain.WebhookEvent{
		ID:            id,
		OrderID:       "ord-1",
		TargetURL:     url,
		TargetKey:     "vendor-1",
		EventType:     domain.EventOrderAccepted,
		Payload:       json.RawMessage(`{"orderId":"ord-1"}`),
		Status:        domain.WebhookStatusPending,
		AttemptNumber: attempt,
		MaxAttempts:   max,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestDeliverSuccess(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ev := dueEvent("ev-1", server.URL, 1, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{
		"vendor-1": {Key: "vendor-1", URL: server.URL, Secret: "whsec_1"},
	}}

	d := newDispatcher(t, events, endpoints, time.Minute)
	d.processBatch(context.Background())

	assert.Equal(t, http.StatusOK, events.delivered["ev-1"])
	assert.Empty(t, events.failed)
	assert.Equal(t, Sign([]byte("whsec_1"), gotBody), gotSignature)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Contains(t, envelope, "event")
	assert.Contains(t, envelope, "timestamp")
	assert.Contains(t, envelope, "data")
}

// After a vendor rotates their endpoint, retries of events enqueued against
// the old URL go to the current URL, signed with the current secret.
func TestDeliverFollowsRotatedEndpoint(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Enqueued against a URL that no longer answers.
	ev := dueEvent("ev-1", "http://127.0.0.1:1", 2, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{
		"vendor-1": {Key: "vendor-1", URL: server.URL, Secret: "whsec_rotated"},
	}}

	d := newDispatcher(t, events, endpoints, time.Minute)
	d.processBatch(context.Background())

	assert.Equal(t, http.StatusOK, events.delivered["ev-1"])
	assert.Empty(t, events.failed)
	assert.Equal(t, Sign([]byte("whsec_rotated"), gotBody), gotSignature)
}

func TestDeliverFailureSchedulesBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ev := dueEvent("ev-1", server.URL, 1, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{
		"vendor-1": {Key: "vendor-1", URL: server.URL, Secret: "whsec_1"},
	}}

	base := time.Minute
	d := newDispatcher(t, events, endpoints, base)
	before := time.Now()
	d.processBatch(context.Background())

	f, ok := events.failed["ev-1"]
	require.True(t, ok)
	assert.Equal(t, 2, f.attemptNumber)
	require.NotNil(t, f.statusCode)
	assert.Equal(t, http.StatusInternalServerError, *f.statusCode)
	require.NotNil(t, f.nextRetryAt)
	// Failing attempt 1 schedules the retry baseDelay out.
	assert.WithinDuration(t, before.Add(base), *f.nextRetryAt, 5*time.Second)
	assert.Empty(t, events.delivered)
}

func TestDeliverSecondFailureDoublesDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ev := dueEvent("ev-1", server.URL, 2, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{
		"vendor-1": {Key: "vendor-1", URL: server.URL, Secret: "whsec_1"},
	}}

	base := time.Minute
	d := newDispatcher(t, events, endpoints, base)
	before := time.Now()
	d.processBatch(context.Background())

	f := events.failed["ev-1"]
	assert.Equal(t, 3, f.attemptNumber)
	require.NotNil(t, f.nextRetryAt)
	assert.WithinDuration(t, before.Add(2*base), *f.nextRetryAt, 5*time.Second)
}

func TestDeliverFinalFailureIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ev := dueEvent("ev-1", server.URL, 5, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{
		"vendor-1": {Key: "vendor-1", URL: server.URL, Secret: "whsec_1"},
	}}

	d := newDispatcher(t, events, endpoints, time.Minute)
	d.processBatch(context.Background())

	f, ok := events.failed["ev-1"]
	require.True(t, ok)
	assert.Equal(t, 5, f.attemptNumber)
	assert.Nil(t, f.nextRetryAt)
}

func TestDeliverConnectionErrorCountsAsFailure(t *testing.T) {
	ev := dueEvent("ev-1", "http://127.0.0.1:1", 1, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{
		"vendor-1": {Key: "vendor-1", URL: ev.TargetURL, Secret: "whsec_1"},
	}}

	d := newDispatcher(t, events, endpoints, time.Minute)
	d.processBatch(context.Background())

	f, ok := events.failed["ev-1"]
	require.True(t, ok)
	assert.Equal(t, 2, f.attemptNumber)
	assert.Nil(t, f.statusCode)
	assert.NotEmpty(t, f.errorMessage)
}

func TestDeliverMissingEndpointFails(t *testing.T) {
	ev := dueEvent("ev-1", "http://example.invalid", 1, 5)
	events := newFakeEventRepo(ev)
	endpoints := &fakeEndpointRepo{endpoints: map[string]*endpoint_repo.Endpoint{}}

	d := newDispatcher(t, events, endpoints, time.Minute)
	d.processBatch(context.Background())

	f, ok := events.failed["ev-1"]
	require.True(t, ok)
	assert.Contains(t, f.errorMessage, "no webhook endpoint configured")
}

func TestBackoffDelaySchedule(t *testing.T) {
	d := newDispatcher(t, newFakeEventRepo(), &fakeEndpointRepo{}, time.Minute)

	assert.Equal(t, time.Minute, d.BackoffDelay(1))
	assert.Equal(t, 2*time.Minute, d.BackoffDelay(2))
	assert.Equal(t, 4*time.Minute, d.BackoffDelay(3))
	assert.Equal(t, 8*time.Minute, d.BackoffDelay(4))

	for n := 1; n < 8; n++ {
		assert.Less(t, d.BackoffDelay(n), d.BackoffDelay(n+1))
	}
}

func TestSendTestBypassesQueue(t *testing.T) {
	var gotEvent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var envelope struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(body, &envelope)
		gotEvent = envelope.Event
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	events := newFakeEventRepo()
	d := newDispatcher(t, events, &fakeEndpointRepo{}, time.Minute)

	result, err := d.SendTest(context.Background(), server.URL, "whsec_1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "test", gotEvent)

	// Nothing queued, nothing marked.
	assert.Empty(t, events.due)
	assert.Empty(t, events.delivered)
	assert.Empty(t, events.failed)
}
