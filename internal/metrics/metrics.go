// Package metrics registers the Prometheus collectors shared by the API
// server and the transcode worker.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidflow_http_requests_total",
			Help: "Total HTTP requests handled by the API",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vidflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// UploadsCompleted counts completion attempts by outcome: completed,
	// rejected, failed or inconsistent.
	UploadsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidflow_uploads_completed_total",
			Help: "Multipart upload completions by outcome",
		},
		[]string{"outcome"},
	)

	UploadsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidflow_uploads_aborted_total",
		Help: "Multipart uploads aborted by their owner",
	})

	TranscodeJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidflow_transcode_jobs_total",
			Help: "Transcode jobs by result: ready, skipped, failed, dead_lettered",
		},
		[]string{"result"},
	)

	TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidflow_transcode_duration_seconds",
		Help:    "Wall time of a full transcode job",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	WorkerActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidflow_worker_active_jobs",
		Help: "Transcode jobs currently being processed",
	})
)

// Middleware records request count and latency per normalised route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newStatusWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath collapses object keys and video ids so label cardinality
// stays bounded.
// /uploads/uploads%2Fu1%2F1700_a.mp4/parts -> /uploads/{key}/parts
func normalizePath(path string) string {
	switch path {
	case "/health", "/health/ready", "/metrics", "/uploads/initiate", "/videos":
		return path
	}

	switch {
	case strings.HasPrefix(path, "/uploads/"):
		rest := strings.TrimPrefix(path, "/uploads/")
		for _, suffix := range []string{"/presign", "/parts", "/complete", "/abort"} {
			if strings.HasSuffix(rest, suffix) {
				return "/uploads/{key}" + suffix
			}
		}
		return "/uploads/{key}"
	case strings.HasPrefix(path, "/play/"):
		rest := strings.TrimPrefix(path, "/play/")
		if strings.HasSuffix(rest, "/manifest") {
			return "/play/{id}/manifest"
		}
		return "/play/{id}/{path}"
	}
	return path
}
