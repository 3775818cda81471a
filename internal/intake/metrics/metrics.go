package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the intake module. Counters carry no
// identity; only aggregate volumes and durations are exported.
type Metrics struct {
	SubmissionsAccepted prometheus.Counter
	SubmissionsRejected *prometheus.CounterVec
	DuplicatesBlocked   prometheus.Counter
	RecordsPurged       prometheus.Counter
	DecryptFailures     prometheus.Counter
	SubmitDuration      prometheus.Histogram
	DetailsDuration     prometheus.Histogram
}

// New creates a Metrics instance with all intake module metrics registered.
func New() *Metrics {
	return &Metrics{
		SubmissionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sapdash_intake_submissions_accepted_total",
			Help: "Total number of intake submissions accepted",
		}),
		SubmissionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sapdash_intake_submissions_rejected_total",
			Help: "Total number of intake submissions rejected, by reason",
		}, []string{"reason"}),
		DuplicatesBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sapdash_intake_duplicates_blocked_total",
			Help: "Total number of submissions rejected as duplicates",
		}),
		RecordsPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sapdash_intake_records_purged_total",
			Help: "Total number of queue records erased by retention",
		}),
		DecryptFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sapdash_intake_decrypt_failures_total",
			Help: "Total number of vault decrypt failures (fail-closed reads)",
		}),
		SubmitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sapdash_intake_submit_duration_seconds",
			Help:    "Duration of intake submission processing",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		DetailsDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sapdash_intake_details_duration_seconds",
			Help:    "Duration of PHI detail reads including decryption",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
	}
}

// ObserveSubmit records the duration of a submission.
func (m *Metrics) ObserveSubmit(start time.Time) {
	m.SubmitDuration.Observe(time.Since(start).Seconds())
}

// ObserveDetails records the duration of a PHI detail read.
func (m *Metrics) ObserveDetails(start time.Time) {
	m.DetailsDuration.Observe(time.Since(start).Seconds())
}

// IncrementRejected records a rejected submission by reason.
func (m *Metrics) IncrementRejected(reason string) {
	m.SubmissionsRejected.WithLabelValues(reason).Inc()
}
