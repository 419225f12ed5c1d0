// Package metrics provides Prometheus metrics for the token service: engine
// outcomes plus RED metrics for the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenkeeper"

// Recorder owns every collector. A nil *Recorder is valid and records nothing.
type Recorder struct {
	TokensIssuedTotal   *prometheus.CounterVec
	RotationsTotal      *prometheus.CounterVec
	RevocationsTotal    *prometheus.CounterVec
	PurgedTotal         prometheus.Counter
	AuthenticationTotal *prometheus.CounterVec

	HTTPRequestTotal           *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		TokensIssuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens minted, by kind.",
		}, []string{"kind"}),
		RotationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Refresh rotations by outcome.",
		}, []string{"outcome"}),
		RevocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Refresh records revoked, by reason.",
		}, []string{"reason"}),
		PurgedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_records_total",
			Help:      "Expired refresh records deleted by the purge sweep.",
		}),
		AuthenticationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_authentications_total",
			Help:      "Access-token authentications by outcome.",
		}, []string{"outcome"}),
		HTTPRequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		}, []string{"method", "path"}),
	}
}

func (r *Recorder) Issued(kind string) {
	if r == nil {
		return
	}
	r.TokensIssuedTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) Rotation(outcome string) {
	if r == nil {
		return
	}
	r.RotationsTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Revoked(reason string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.RevocationsTotal.WithLabelValues(reason).Add(float64(n))
}

func (r *Recorder) Purged(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.PurgedTotal.Add(float64(n))
}

func (r *Recorder) Authenticated(outcome string) {
	if r == nil {
		return
	}
	r.AuthenticationTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one finished request. path should be the route template,
// not the raw URL, to bound cardinality.
func (r *Recorder) ObserveHTTP(method, path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPRequestDurationSeconds.WithLabelValues(method, path).Observe(d.Seconds())
}
