package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CouponMetrics counts coupon checkout outcomes. Outcome labels are
// "applied" or a rejection reason such as "store_mismatch".
type CouponMetrics struct {
	validations *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	expired     prometheus.Counter
	discount    *prometheus.HistogramVec
}

// NewCouponMetrics registers the coupon metrics on the provided registerer.
func NewCouponMetrics(reg prometheus.Registerer) *CouponMetrics {
	if reg == nil {
		return &CouponMetrics{}
	}
	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coupons",
		Name:      "validations_total",
		Help:      "Coupon validation attempts by outcome.",
	}, []string{"outcome"})
	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coupons",
		Name:      "redemptions_total",
		Help:      "Coupon redemption attempts by outcome.",
	}, []string{"outcome"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coupons",
		Name:      "expired_total",
		Help:      "Coupons moved to expired by the sweep.",
	})
	discount := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "coupons",
		Name:      "discount_amount",
		Help:      "Discount granted per applied coupon.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"discount_type"})
	reg.MustRegister(validations, redemptions, expired, discount)
	return &CouponMetrics{
		validations: validations,
		redemptions: redemptions,
		expired:     expired,
		discount:    discount,
	}
}

func (c *CouponMetrics) IncValidation(outcome string) {
	if c == nil || c.validations == nil {
		return
	}
	c.validations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (c *CouponMetrics) IncRedemption(outcome string) {
	if c == nil || c.redemptions == nil {
		return
	}
	c.redemptions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (c *CouponMetrics) AddExpired(count int) {
	if c == nil || c.expired == nil || count <= 0 {
		return
	}
	c.expired.Add(float64(count))
}

func (c *CouponMetrics) ObserveDiscount(discountType string, amount float64) {
	if c == nil || c.discount == nil {
		return
	}
	c.discount.WithLabelValues(normalizeLabel(discountType)).Observe(amount)
}

// HTTPMetrics records request latency per route pattern.
type HTTPMetrics struct {
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers request metrics on the provided registerer.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		return &HTTPMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	reg.MustRegister(duration)
	return &HTTPMetrics{duration: duration}
}

func (h *HTTPMetrics) Observe(method, route, status string, elapsed time.Duration) {
	if h == nil || h.duration == nil {
		return
	}
	h.duration.WithLabelValues(method, normalizeLabel(route), status).Observe(elapsed.Seconds())
}
