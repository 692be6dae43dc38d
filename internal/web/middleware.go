package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// Requests counts handled HTTP requests by path and status.
var Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "estfeed_http_requests_total",
	Help: "Handled HTTP requests by path and status.",
}, []string{"path", "status"})

// Latency observes handler latency by path.
var Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "estfeed_http_request_duration_seconds",
	Help:    "HTTP request latency by path.",
	Buckets: prometheus.DefBuckets,
}, []string{"path"})

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestIDMiddleware attaches a request ID to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs every request with its request ID.
func loggingMiddleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Info("Handled request")
	})
}

// metricsMiddleware records request counts and latency.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		Requests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		Latency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// chain applies the standard middleware stack: request ID first, then
// logging, then metrics.
func chain(logger *logrus.Logger, h http.Handler) http.Handler {
	return requestIDMiddleware(loggingMiddleware(logger, metricsMiddleware(h)))
}
