package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a hint shard process.
type Metrics struct {
	HintsWrittenTotal  prometheus.Counter
	HintsErrorsTotal   prometheus.Counter
	HintsDroppedTotal  prometheus.Counter
	HintsSentTotal     prometheus.Counter
	HintsInProgressSize prometheus.Gauge

	HintWriteDuration prometheus.Histogram
	HintWriteBytes    prometheus.Histogram

	EndpointsTotal           prometheus.Gauge
	EndpointsForbiddenTotal  prometheus.Gauge
	EndpointDiskUsageBytes   prometheus.GaugeVec
	EndpointSendQueueLength  prometheus.GaugeVec

	SendBudgetInUseBytes prometheus.Gauge
	SendBudgetTotalBytes prometheus.Gauge

	SegmentsRotatedTotal prometheus.Counter
	SegmentsDeletedTotal prometheus.Counter

	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics for the named
// shard.
func NewMetrics(shardID string) *Metrics {
	labels := prometheus.Labels{"shard_id": shardID}

	return &Metrics{
		HintsWrittenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "written_total",
			Help:        "Total number of hints durably appended",
			ConstLabels: labels,
		}),
		HintsErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "errors_total",
			Help:        "Total number of hint append failures",
			ConstLabels: labels,
		}),
		HintsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "dropped_total",
			Help:        "Total number of hints refused at admission or abandoned unsent",
			ConstLabels: labels,
		}),
		HintsSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "sent_total",
			Help:        "Total number of hints successfully replayed",
			ConstLabels: labels,
		}),
		HintsInProgressSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "in_progress_bytes",
			Help:        "Shard-wide bytes accepted but not yet durable",
			ConstLabels: labels,
		}),
		HintWriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "write_duration_seconds",
			Help:        "Histogram of hint append durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		HintWriteBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "hints",
			Name:        "write_bytes",
			Help:        "Histogram of hint mutation sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 10),
		}),
		EndpointsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "endpoints",
			Name:        "total",
			Help:        "Number of endpoints with an active hint manager",
			ConstLabels: labels,
		}),
		EndpointsForbiddenTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "endpoints",
			Name:        "forbidden_total",
			Help:        "Number of endpoints currently forbidden from receiving new hints",
			ConstLabels: labels,
		}),
		EndpointDiskUsageBytes: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "endpoints",
			Name:        "disk_usage_bytes",
			Help:        "On-disk hint segment bytes per endpoint",
			ConstLabels: labels,
		}, []string{"endpoint"}),
		EndpointSendQueueLength: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "endpoints",
			Name:        "send_queue_length",
			Help:        "Sealed segments pending replay per endpoint",
			ConstLabels: labels,
		}, []string{"endpoint"}),
		SendBudgetInUseBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "send",
			Name:        "budget_in_use_bytes",
			Help:        "Shard-wide send-in-flight budget currently held",
			ConstLabels: labels,
		}),
		SendBudgetTotalBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "send",
			Name:        "budget_total_bytes",
			Help:        "Shard-wide send-in-flight budget capacity",
			ConstLabels: labels,
		}),
		SegmentsRotatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "segments",
			Name:        "rotated_total",
			Help:        "Total number of segment rotations across all endpoints",
			ConstLabels: labels,
		}),
		SegmentsDeletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "segments",
			Name:        "deleted_total",
			Help:        "Total number of segment files deleted after full replay",
			ConstLabels: labels,
		}),
		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members known to the failure detector",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hintedhandoff",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Number of gossip members currently reporting alive",
			ConstLabels: labels,
		}),
	}
}

// RecordHintWrite records a single successful or failed hint append.
func (m *Metrics) RecordHintWrite(duration float64, bytes int, err error) {
	if err != nil {
		m.HintsErrorsTotal.Inc()
		return
	}
	m.HintsWrittenTotal.Inc()
	m.HintWriteDuration.Observe(duration)
	m.HintWriteBytes.Observe(float64(bytes))
}

// RecordHintDropped records a hint refused at admission or abandoned unsent.
func (m *Metrics) RecordHintDropped() {
	m.HintsDroppedTotal.Inc()
}

// RecordHintSent records a hint successfully replayed to its destination.
func (m *Metrics) RecordHintSent() {
	m.HintsSentTotal.Inc()
}

// UpdateShardGauges refreshes the shard-wide in-progress and send-budget
// gauges from a point-in-time snapshot.
func (m *Metrics) UpdateShardGauges(inProgressBytes, sendBudgetInUse, sendBudgetTotal uint64, endpoints, forbidden int) {
	m.HintsInProgressSize.Set(float64(inProgressBytes))
	m.SendBudgetInUseBytes.Set(float64(sendBudgetInUse))
	m.SendBudgetTotalBytes.Set(float64(sendBudgetTotal))
	m.EndpointsTotal.Set(float64(endpoints))
	m.EndpointsForbiddenTotal.Set(float64(forbidden))
}

// UpdateEndpointGauges refreshes the per-endpoint disk usage and queue
// length gauges for one endpoint.
func (m *Metrics) UpdateEndpointGauges(endpoint string, diskUsageBytes uint64, queueLength int) {
	m.EndpointDiskUsageBytes.WithLabelValues(endpoint).Set(float64(diskUsageBytes))
	m.EndpointSendQueueLength.WithLabelValues(endpoint).Set(float64(queueLength))
}

// RecordSegmentRotated records a segment rotation.
func (m *Metrics) RecordSegmentRotated() {
	m.SegmentsRotatedTotal.Inc()
}

// RecordSegmentDeleted records a segment deletion after full replay.
func (m *Metrics) RecordSegmentDeleted() {
	m.SegmentsDeletedTotal.Inc()
}

// UpdateGossipStats updates gossip membership statistics.
func (m *Metrics) UpdateGossipStats(totalMembers, healthyMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.GossipMembersHealthy.Set(float64(healthyMembers))
}
