package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stream2bucket"

// Upload outcomes.
const (
	OutcomeUploaded      = "uploaded"
	OutcomeInvalidFormat = "invalid_format"
	OutcomeTooShort      = "too_short"
	OutcomeSourceError   = "source_error"
	OutcomeUnavailable   = "storage_unavailable"
	OutcomeWriteFailed   = "storage_write_failed"
)

// Collector holds the service metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	Uploads        *prometheus.CounterVec
	UploadBytes    prometheus.Counter
	UploadDuration *prometheus.HistogramVec
	Notifications  *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads processed, by outcome",
		}, []string{"outcome"}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes written to object storage",
		}),
		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time from request hand-off to result, by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Queue notifications, by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		c.Uploads,
		c.UploadBytes,
		c.UploadDuration,
		c.Notifications,
		c.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
