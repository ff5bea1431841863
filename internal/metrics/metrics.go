package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_jobs_total",
			Help: "Calibration jobs by variable and outcome",
		},
		[]string{"variable", "status"},
	)

	JobFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_job_failures_total",
			Help: "Failed calibration jobs by variable and stage",
		},
		[]string{"variable", "stage"},
	)

	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metcal_stage_latency_seconds",
			Help:    "Time spent in each calibration stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	BaselineDatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_baseline_dates_dropped_total",
			Help: "In-window baseline dates excluded by the date join or missing values",
		},
		[]string{"variable"},
	)

	ValuesCalibrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_values_calibrated_total",
			Help: "Daily values passed through the calibration transform",
		},
		[]string{"variable", "scenario"},
	)

	ValuesClipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_values_clipped_total",
			Help: "Calibrated values clipped to the variable's lower bound",
		},
		[]string{"variable", "scenario"},
	)

	ShiftOnlyMonths = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_shift_only_months_total",
			Help: "Fitted months that fell back to the shift-only transform",
		},
		[]string{"variable"},
	)

	FTPFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metcal_ftp_fetches_total",
			Help: "Files fetched from the remote archive",
		},
		[]string{"status"},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
