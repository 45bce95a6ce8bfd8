package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consensus / committer metrics
	CommittedSequenceNumber = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydra_committed_sequence_number",
			Help: "Highest sequence number known committed by a voting quorum",
		},
	)

	LoggedSequenceNumber = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydra_logged_sequence_number",
			Help: "Highest sequence number logged locally, by peer",
		},
		[]string{"peer"},
	)

	ChangelogRecordCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydra_changelog_record_count",
			Help: "Record count of the current changelog segment",
		},
		[]string{"segment"},
	)

	MutationQueueBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydra_mutation_queue_bytes",
			Help: "Total byte size of the leader's not-yet-evicted mutation queue",
		},
	)

	MutationCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydra_mutation_commit_duration_seconds",
			Help:    "Time from draft submission to quorum commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_mutations_applied_total",
			Help: "Total mutations applied to the decorated automaton",
		},
	)

	LoggingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_logging_failures_total",
			Help: "Total LoggingFailed events observed, each triggering an epoch restart",
		},
	)

	SnapshotBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydra_snapshot_build_duration_seconds",
			Help:    "Time taken to build a local snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotChecksumMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_snapshot_checksum_mismatch_total",
			Help: "Total distributed snapshot rounds with disagreeing peer checksums",
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydra_recovery_duration_seconds",
			Help:    "Time taken for a peer to reach the committed state during recovery",
			Buckets: prometheus.DefBuckets,
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydra_is_leader",
			Help: "Whether this peer is the cell's current epoch leader",
		},
	)

	// Tablet manager metrics
	TabletsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablet_manager_tablets_total",
			Help: "Total number of tablets by state",
		},
		[]string{"state"},
	)

	TabletActionsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablet_actions_in_flight",
			Help: "Number of tablet actions currently in a non-terminal state, by action state",
		},
		[]string{"state"},
	)

	TabletActionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablet_actions_completed_total",
			Help: "Total tablet actions reaching a terminal state, by result",
		},
		[]string{"result"},
	)

	TabletBalancerMovesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_balancer_moves_total",
			Help: "Total move actions proposed by the tablet balancer",
		},
	)

	TabletBalancerReshardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_balancer_reshards_total",
			Help: "Total reshard actions proposed by the tablet balancer",
		},
	)

	BalancerIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablet_balancer_iteration_duration_seconds",
			Help:    "Time taken for one tablet balancer iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_api_requests_total",
			Help: "Total number of control API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydra_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(CommittedSequenceNumber)
	prometheus.MustRegister(LoggedSequenceNumber)
	prometheus.MustRegister(ChangelogRecordCount)
	prometheus.MustRegister(MutationQueueBytes)
	prometheus.MustRegister(MutationCommitDuration)
	prometheus.MustRegister(MutationsAppliedTotal)
	prometheus.MustRegister(LoggingFailuresTotal)
	prometheus.MustRegister(SnapshotBuildDuration)
	prometheus.MustRegister(SnapshotChecksumMismatchTotal)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(IsLeader)

	prometheus.MustRegister(TabletsTotal)
	prometheus.MustRegister(TabletActionsInFlight)
	prometheus.MustRegister(TabletActionsCompletedTotal)
	prometheus.MustRegister(TabletBalancerMovesTotal)
	prometheus.MustRegister(TabletBalancerReshardsTotal)
	prometheus.MustRegister(BalancerIterationDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started at the current instant.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
