// Package metrics exposes Prometheus counters for queries, streams, uploads
// and identity issuance.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the app and server layers.
type Recorder interface {
	QueryStarted()
	QueryFinished(outcome string, chunks int, duration time.Duration)
	UploadFinished(result string)
	IdentityIssued(reason string)
	RateLimited(route string)
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	chunks        prometheus.Counter
	activeStreams prometheus.Gauge
	uploads       *prometheus.CounterVec
	identities    *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfchat_queries_total",
			Help: "Finished queries by terminal outcome.",
		}, []string{"outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdfchat_query_duration_seconds",
			Help:    "Wall time of streamed queries.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfchat_stream_chunks_total",
			Help: "Model output fragments forwarded to clients.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdfchat_active_streams",
			Help: "Queries currently streaming.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfchat_uploads_total",
			Help: "PDF uploads by result.",
		}, []string{"result"}),
		identities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfchat_identities_issued_total",
			Help: "Identity tokens issued by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfchat_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"route"}),
	}

	reg.MustRegister(
		c.queries,
		c.queryDuration,
		c.chunks,
		c.activeStreams,
		c.uploads,
		c.identities,
		c.rateLimited,
	)
	return c
}

func (c *Collector) QueryStarted() {
	c.activeStreams.Inc()
}

// QueryFinished must be paired with a prior QueryStarted.
func (c *Collector) QueryFinished(outcome string, chunks int, duration time.Duration) {
	c.activeStreams.Dec()
	c.queries.WithLabelValues(outcome).Inc()
	c.queryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if chunks > 0 {
		c.chunks.Add(float64(chunks))
	}
}

func (c *Collector) UploadFinished(result string) {
	c.uploads.WithLabelValues(result).Inc()
}

func (c *Collector) IdentityIssued(reason string) {
	c.identities.WithLabelValues(reason).Inc()
}

func (c *Collector) RateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) QueryStarted() {}
func (Nop) QueryFinished(string, int, time.Duration) {}
func (Nop) UploadFinished(string) {}
func (Nop) IdentityIssued(string) {}
func (Nop) RateLimited(string) {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
