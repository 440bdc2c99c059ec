// Package metrics exposes Prometheus instrumentation for appliance calls,
// password verification and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is implemented by Metrics and NoopMetrics.
type Recorder interface {
	// RecordAuthAttempt records one password verification.
	// method: smb, login, hash, session, none; result: success, rejected, error
	RecordAuthAttempt(method, result string, d time.Duration)
	// RecordApplianceCall records one request/response round trip.
	// outcome: ok, appliance_error, transport_error, protocol_error
	RecordApplianceCall(method, outcome string, d time.Duration)
	// RecordPasswordChange records a set-password attempt (success, failure).
	RecordPasswordChange(result string)
	RecordHTTPRequest(method, route string, status int, d time.Duration)
}

var _ Recorder = (*Metrics)(nil)

// Metrics holds the registered Prometheus collectors.
type Metrics struct {
	AuthAttemptsTotal     *prometheus.CounterVec
	AuthDuration          *prometheus.HistogramVec
	ApplianceCallsTotal   *prometheus.CounterVec
	ApplianceCallDuration *prometheus.HistogramVec
	PasswordChangesTotal  *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns the process-wide Prometheus recorder when enabled, and a
// no-op recorder otherwise. Collectors are registered at most once.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	once.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegistry registers a fresh set of collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuthAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "truenas_passwd_auth_attempts_total",
				Help: "Password verifications by method and result",
			},
			[]string{"method", "result"},
		),
		AuthDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "truenas_passwd_auth_duration_seconds",
				Help:    "Time spent verifying a password",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ApplianceCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "truenas_passwd_appliance_calls_total",
				Help: "Appliance API calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		ApplianceCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "truenas_passwd_appliance_call_duration_seconds",
				Help:    "Appliance API call round-trip time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		PasswordChangesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "truenas_passwd_password_changes_total",
				Help: "Password change attempts by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "truenas_passwd_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "truenas_passwd_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) RecordAuthAttempt(method, result string, d time.Duration) {
	m.AuthAttemptsTotal.WithLabelValues(method, result).Inc()
	m.AuthDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RecordApplianceCall(method, outcome string, d time.Duration) {
	m.ApplianceCallsTotal.WithLabelValues(method, outcome).Inc()
	m.ApplianceCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RecordPasswordChange(result string) {
	m.PasswordChangesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
