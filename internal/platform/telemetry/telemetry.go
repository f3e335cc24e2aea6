// Package telemetry exposes the service's Prometheus metrics: HTTP server
// request counts and latency plus the patient workflow counters, served in
// the text exposition format at /metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds telemetry options.
type Config struct {
	ServiceName    string
	MetricsEnabled bool
	// RuntimeCollectors registers the Go runtime and process collectors.
	RuntimeCollectors bool
}

// Provider owns a registry and the collectors registered on it.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	patientsCreated prometheus.Counter
	lookups         *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// NewProvider creates a provider with its own registry so that tests can
// build as many providers as they need.
func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "patient-api"
	}

	reg := prometheus.NewRegistry()
	if cfg.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	constLabels := prometheus.Labels{"service": cfg.ServiceName}
	factory := promauto.With(reg)

	return &Provider{
		cfg:      cfg,
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "http_active_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		}),
		patientsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name:        "patients_created_total",
			Help:        "Patients persisted by the creation workflow.",
			ConstLabels: constLabels,
		}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "medication_lookup_total",
			Help:        "Medication lookups by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "notifications_total",
			Help:        "Notification delivery outcomes by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
	}
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// PatientCreated counts one persisted patient.
func (p *Provider) PatientCreated() {
	p.patientsCreated.Inc()
}

// LookupObserved counts one medication lookup outcome.
func (p *Provider) LookupObserved(result string) {
	p.lookups.WithLabelValues(result).Inc()
}

// DeliveryObserved counts one notification outcome.
func (p *Provider) DeliveryObserved(status string) {
	p.notifications.WithLabelValues(status).Inc()
}

// MetricsMiddleware records request count, latency and in-flight requests.
// Requests that end in an error are labelled with the error's status code.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.MetricsEnabled {
				return next(c)
			}

			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = 500
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			p.requests.WithLabelValues(labels...).Inc()
			p.duration.WithLabelValues(labels...).Observe(elapsed.Seconds())

			return err
		}
	}
}

// PrometheusHandler serves the registry at /metrics.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
