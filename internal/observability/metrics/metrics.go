package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config labels every series with the emitting service.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "meterledger"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{"service": serviceName, "env": environment}
}

// Metrics exposes the ledger pipeline instruments. A nil *Metrics is a valid
// no-op recorder.
type Metrics struct {
	usageRecorded      prometheus.Counter
	summariesCollected prometheus.Counter
	eventsCollected    prometheus.Counter
	freeQuotaConsumed  prometheus.Counter
	summariesBilled    *prometheus.CounterVec
	activitiesCreated  *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	settledActivities  prometheus.Counter
	settlementDuration prometheus.Histogram
	queueEnqueued      *prometheus.CounterVec
	queueDeduplicated  *prometheus.CounterVec
	queueDeliveries    *prometheus.CounterVec
	queueDeadLettered  *prometheus.CounterVec
	queueHandleSeconds *prometheus.HistogramVec
}

const (
	OutcomeSuccess        = "success"
	OutcomeFailed         = "failed"
	OutcomeSkipped        = "skipped"
	OutcomeNoop           = "noop"
	OutcomeAlreadySettled = "already_settled"
)

func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := cfg.constLabels()

	m := &Metrics{
		usageRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_usage_events_recorded_total",
			Help:        "Usage events accepted for metering.",
			ConstLabels: labels,
		}),
		summariesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_usage_summaries_collected_total",
			Help:        "Usage summaries produced by collection runs.",
			ConstLabels: labels,
		}),
		eventsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_usage_events_collected_total",
			Help:        "Usage events folded into summaries.",
			ConstLabels: labels,
		}),
		freeQuotaConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_free_quota_consumed_total",
			Help:        "Requests covered by free quota.",
			ConstLabels: labels,
		}),
		summariesBilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_usage_summaries_billed_total",
			Help:        "Billing attempts on usage summaries by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		activitiesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_account_activities_created_total",
			Help:        "Account activities written to the ledger by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_settlements_total",
			Help:        "Settlement runs by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		settledActivities: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_settled_activities_total",
			Help:        "Account activities folded into account histories.",
			ConstLabels: labels,
		}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "meterledger_settlement_duration_seconds",
			Help:        "Latency of a single settlement run.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: labels,
		}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_queue_enqueued_total",
			Help:        "Messages accepted by a queue.",
			ConstLabels: labels,
		}, []string{"queue", "topic"}),
		queueDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_queue_deduplicated_total",
			Help:        "Messages dropped inside the deduplication window.",
			ConstLabels: labels,
		}, []string{"queue", "topic"}),
		queueDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_queue_deliveries_total",
			Help:        "Handler invocations by outcome.",
			ConstLabels: labels,
		}, []string{"queue", "topic", "outcome"}),
		queueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_queue_dead_lettered_total",
			Help:        "Messages moved to the dead letter queue.",
			ConstLabels: labels,
		}, []string{"queue", "topic"}),
		queueHandleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meterledger_queue_handle_duration_seconds",
			Help:        "Handler latency per message including retries.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}, []string{"queue", "topic"}),
	}

	registerer.MustRegister(
		m.usageRecorded,
		m.summariesCollected,
		m.eventsCollected,
		m.freeQuotaConsumed,
		m.summariesBilled,
		m.activitiesCreated,
		m.settlements,
		m.settledActivities,
		m.settlementDuration,
		m.queueEnqueued,
		m.queueDeduplicated,
		m.queueDeliveries,
		m.queueDeadLettered,
		m.queueHandleSeconds,
	)
	return m
}

func (m *Metrics) RecordUsage() {
	if m == nil {
		return
	}
	m.usageRecorded.Inc()
}

func (m *Metrics) RecordCollection(summaries, events int) {
	if m == nil {
		return
	}
	m.summariesCollected.Add(float64(summaries))
	m.eventsCollected.Add(float64(events))
}

func (m *Metrics) RecordFreeQuota(consumed int64) {
	if m == nil || consumed <= 0 {
		return
	}
	m.freeQuotaConsumed.Add(float64(consumed))
}

func (m *Metrics) RecordBilling(outcome string) {
	if m == nil {
		return
	}
	m.summariesBilled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordActivity(reason string) {
	if m == nil {
		return
	}
	m.activitiesCreated.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSettlement(outcome string, activities int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
	if activities > 0 {
		m.settledActivities.Add(float64(activities))
	}
	m.settlementDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordEnqueue(queue, topic string, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.queueEnqueued.WithLabelValues(queue, topic).Inc()
		return
	}
	m.queueDeduplicated.WithLabelValues(queue, topic).Inc()
}

func (m *Metrics) RecordDelivery(queue, topic, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queueDeliveries.WithLabelValues(queue, topic, outcome).Inc()
	m.queueHandleSeconds.WithLabelValues(queue, topic).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordDeadLetter(queue, topic string) {
	if m == nil {
		return
	}
	m.queueDeadLettered.WithLabelValues(queue, topic).Inc()
}
