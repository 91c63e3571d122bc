package network

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects request level metrics of the storage client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "azurestorage_requests_total",
				Help: "Number of requests sent to the storage service, by HTTP method and response status code.",
			},
			[]string{"code", "method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "azurestorage_request_duration_seconds",
				Help:    "Time until the response head of a storage service request arrived.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "azurestorage_transferred_bytes_total",
				Help: "Body bytes exchanged with the storage service, by direction.",
			},
			[]string{"direction"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.bytes)
	}

	return m
}

// InstrumentRoundTripper counts and times every attempt sent through next.
func (m *Metrics) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	return promhttp.InstrumentRoundTripperCounter(m.requests,
		promhttp.InstrumentRoundTripperDuration(m.duration, next),
	)
}

// AddReceivedBytes ...
func (m *Metrics) AddReceivedBytes(n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("received").Add(float64(n))
}

// AddSentBytes ...
func (m *Metrics) AddSentBytes(n int64) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("sent").Add(float64(n))
}
