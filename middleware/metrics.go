package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ordersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of order creation attempts by outcome",
		},
		[]string{"outcome"},
	)

	paymentVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_verifications_total",
			Help: "Total number of payment verifications by outcome",
		},
		[]string{"outcome"},
	)

	paymentVerificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payment_verification_duration_seconds",
			Help:    "Payment verification duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	notificationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_enqueued_total",
			Help: "Total number of notification enqueue attempts",
		},
		[]string{"event_type", "result"},
	)

	notificationsRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_relayed_total",
			Help: "Total number of queued notifications handed to the delivery topic",
		},
		[]string{"event_type", "result"},
	)

	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(ordersCreatedTotal)
	prometheus.MustRegister(paymentVerificationsTotal)
	prometheus.MustRegister(paymentVerificationDuration)
	prometheus.MustRegister(notificationsEnqueuedTotal)
	prometheus.MustRegister(notificationsRelayedTotal)
	prometheus.MustRegister(statusTransitionsTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordOrderCreated(outcome string) {
	ordersCreatedTotal.WithLabelValues(outcome).Inc()
}

func RecordPaymentVerification(outcome string, duration time.Duration) {
	paymentVerificationsTotal.WithLabelValues(outcome).Inc()
	paymentVerificationDuration.Observe(duration.Seconds())
}

func RecordNotificationEnqueued(eventType string, suppressed bool) {
	result := "queued"
	if suppressed {
		result = "suppressed"
	}
	notificationsEnqueuedTotal.WithLabelValues(eventType, result).Inc()
}

func RecordNotificationRelayed(eventType, result string) {
	notificationsRelayedTotal.WithLabelValues(eventType, result).Inc()
}

func RecordStatusTransition(to string) {
	statusTransitionsTotal.WithLabelValues(to).Inc()
}
