package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Transitions      *prometheus.CounterVec
	LedgerCalls      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
}

func New() *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainorders",
		Name:      "order_transitions_total",
		Help:      "Total number of requested order transitions by outcome.",
	}, []string{"to", "result"})
	ledgerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainorders",
		Name:      "ledger_calls_total",
		Help:      "Total number of ledger operations by outcome.",
	}, []string{"operation", "result"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainorders",
		Name:      "webhook_deliveries_total",
		Help:      "Total number of webhook delivery attempts by outcome.",
	}, []string{"result"})
	deliveryDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainorders",
		Name:      "webhook_delivery_duration_seconds",
		Help:      "Webhook delivery attempt latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	prometheus.MustRegister(transitions, ledgerCalls, deliveries, deliveryDuration)
	return &Metrics{
		Transitions:      transitions,
		LedgerCalls:      ledgerCalls,
		Deliveries:       deliveries,
		DeliveryDuration: deliveryDuration,
	}
}

// NewUnregistered builds metrics without touching the default registry.
// Used by tests that construct multiple instances.
func NewUnregistered() *Metrics {
	return &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
		}, []string{"to", "result"}),
		LedgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_calls_total",
		}, []string{"operation", "result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
		}, []string{"result"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "webhook_delivery_duration_seconds",
		}),
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
