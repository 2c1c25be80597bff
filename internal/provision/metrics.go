package provision

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "provision",
			Name:      "downloads_started_total",
			Help:      "Total number of file downloads started",
		},
	)

	downloadsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "provision",
			Name:      "downloads_completed_total",
			Help:      "Total number of file downloads completed successfully",
		},
	)

	downloadsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "provision",
			Name:      "downloads_failed_total",
			Help:      "Total number of file downloads abandoned after an error",
		},
	)

	downloadsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatd",
			Subsystem: "provision",
			Name:      "downloads_inflight",
			Help:      "File downloads currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsStartedTotal, downloadsCompletedTotal, downloadsFailedTotal, downloadsInflight)
}
