// Package metrics registers the prometheus collectors exported at the admin
// metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudrelay"

var (
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "bytes_total",
		Help:      "Bytes forwarded to storage providers.",
	}, []string{"mode"})

	RelayTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "transfers_total",
		Help:      "Relayed transfers by mode and outcome.",
	}, []string{"mode", "outcome"})

	RelayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "put_retries_total",
		Help:      "Range PUTs retried by the parallel relay.",
	})

	AdmissionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "active_slots",
		Help:      "Transfers currently holding an admission slot.",
	})

	AdmissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "denied_total",
		Help:      "Admission rejections by reason.",
	}, []string{"reason"})

	BackupResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "results_total",
		Help:      "Backup attempts by outcome.",
	}, []string{"outcome"})

	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Uploads rejected by quota checks.",
	}, []string{"reason"})

	SchedulerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Requests waiting per scheduler lane.",
	}, []string{"lane"})

	SchedulerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "rejected_total",
		Help:      "Requests rejected because a lane queue was full.",
	}, []string{"lane"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
