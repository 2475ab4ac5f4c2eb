package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var HistogramBuckets = []float64{
	// --- Fast responses (0 - 500ms) ---
	25, 50, 75, 100, 150, 200, 300, 400, 500,

	// --- Medium responses around 700ms (500ms - 2s) ---
	750, 1000, 1250, 1500, 1750, 2000,

	// --- Slow responses (2s - 15s) ---
	2500, 3000, 4000, 5000, 7500, 10000, 15000,

	// --- Extended range: covers 60000ms+ (15s - 75s) ---
	20000,  // 20s
	30000,  // 30s
	45000,  // 45s
	60000,  // 60s
	75000,  // 75s
	90000,  // 90s
	120000, // 120s
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "gauge":
		metric = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "histogram":
		metric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
				Buckets:   HistogramBuckets,
			},
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "summary":
		metric = prometheus.NewSummary(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	}
	return metric
}

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "process latency in milliseconds",
	Type:        "histogram_vec",
	Args:        []string{"type", "subtype"},
}

var MetricsWebhookOutcome = &Metric{
	ID:          "whOutcome",
	Name:        "webhook_events_total",
	Description: "Webhook deliveries partitioned by event type and outcome.",
	Type:        "counter_vec",
	Args:        []string{"event_type", "outcome"},
}

const (
	RefererKey = "X-Referer"
)

// WebhookMetrics records webhook pipeline outcomes and processing latency.
type WebhookMetrics struct {
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewWebhookMetrics registers the webhook collectors on reg. Registering twice
// reuses the existing collectors.
func NewWebhookMetrics(reg prometheus.Registerer, log *zap.SugaredLogger) *WebhookMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WebhookMetrics{
		outcomes: register(reg, NewMetric(MetricsWebhookOutcome, "subsync"), log, MetricsWebhookOutcome.Name).(*prometheus.CounterVec),
		latency:  register(reg, NewMetric(MetricsBusinessProcess, "subsync"), log, MetricsBusinessProcess.Name).(*prometheus.HistogramVec),
	}
}

// Observe counts one delivery and its latency since start.
func (m *WebhookMetrics) Observe(eventType, outcome string, start time.Time) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.outcomes.WithLabelValues(eventType, outcome).Inc()
	m.latency.WithLabelValues("webhook", eventType).Observe(MillisecondsSince(start))
}

// Count returns the current outcome counter value, for tests and debugging.
func (m *WebhookMetrics) Count(eventType, outcome string) float64 {
	var out dto.Metric
	if err := m.outcomes.WithLabelValues(eventType, outcome).Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

func newDefaultWebhookMetrics(log *zap.SugaredLogger) *WebhookMetrics {
	return NewWebhookMetrics(prometheus.DefaultRegisterer, log)
}

var Module = fx.Options(
	fx.Provide(newDefaultWebhookMetrics),
)
