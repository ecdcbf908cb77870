package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsched_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsched_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsched_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsched_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsched_imports_total",
		Help: "Calendar imports by result.",
	}, []string{"result"})

	objectsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsched_objects_written_total",
		Help: "Calendar objects written by outcome (created or updated).",
	}, []string{"outcome"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsched_deliveries_total",
		Help: "Scheduling deliveries by class and state.",
	}, []string{"class", "state"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calsched_queue_jobs",
		Help: "Work queue jobs by state.",
	}, []string{"state"})

	admissionRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsched_admission_rejected_total",
		Help: "Connections refused with 503 because the server was at capacity.",
	})

	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calsched_open_connections",
		Help: "Connections currently accepted by the front door.",
	})
)

// Delivery states recorded by ObserveDelivery.
const (
	DeliveryEnqueued  = "enqueued"
	DeliveryCompleted = "completed"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			// chi fills in the pattern while routing.
			route = routePattern(r)
			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveImport counts one import by result ("ok", "invalid", "failed").
func ObserveImport(result string) {
	importsTotal.WithLabelValues(result).Inc()
}

// ObserveObjectsWritten counts objects created and updated by one merge.
func ObserveObjectsWritten(created, updated int) {
	if created > 0 {
		objectsWritten.WithLabelValues("created").Add(float64(created))
	}
	if updated > 0 {
		objectsWritten.WithLabelValues("updated").Add(float64(updated))
	}
}

// ObserveDelivery counts a delivery state transition for a scheduling class.
func ObserveDelivery(class, state string) {
	deliveriesTotal.WithLabelValues(class, state).Inc()
}

// SetQueueDepth publishes the current queue sizes.
func SetQueueDepth(pending, inFlight, dead int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// ObserveAdmissionRejected counts a connection turned away by the front door.
func ObserveAdmissionRejected() {
	admissionRejected.Inc()
}

// SetOpenConnections publishes the front door's connection count.
func SetOpenConnections(n int) {
	openConnections.Set(float64(n))
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
