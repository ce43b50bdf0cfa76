package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 工作节点的核心指标。队列深度类指标由 refresher 周期性地从
// 存储层的统计投影刷新。
var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_worker_claims_total",
		Help: "Total number of transaction requests claimed by this worker",
	}, []string{"worker_id"})

	ConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_worker_confirmed_total",
		Help: "Total number of transactions confirmed on chain",
	}, []string{"chain_id"})

	FailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_worker_failed_total",
		Help: "Total number of failed transaction requests by error code",
	}, []string{"error_code"})

	ProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jinn_worker_processing_seconds",
		Help:    "Time taken to process one claimed transaction request",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"chain_id"})

	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinn_queue_pending",
		Help: "Number of pending transaction requests in the queue",
	})

	QueueClaimed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinn_queue_claimed",
		Help: "Number of claimed transaction requests in the queue",
	})

	QueueOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinn_queue_oldest_pending_age_seconds",
		Help: "Age of the oldest pending transaction request",
	})

	QueueAvgProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinn_queue_avg_processing_seconds",
		Help: "Average claim-to-terminal latency reported by the queue store",
	})
)
