package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_created_total",
		Help: "Orders created through checkout.",
	})
	OrdersPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_paid_total",
		Help: "Orders transitioned to paid.",
	})
	PaymentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payments_created_total",
		Help: "Payment attempts created.",
	})
	PaymentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payments_completed_total",
		Help: "Payments verified and completed.",
	})
	PaymentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_payments_failed_total",
		Help: "Payments failed, by reason.",
	}, []string{"reason"})
	PaymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payments_expired_total",
		Help: "Pending payments expired by the reaper.",
	})
	ValuationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_valuation_cache_hits_total",
		Help: "Valuation cache hits.",
	})
	ValuationCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_valuation_cache_misses_total",
		Help: "Valuation cache misses.",
	})
	ValuationStaleServes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_valuation_stale_serves_total",
		Help: "Valuation answers served from a stale entry while the upstream was down.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
