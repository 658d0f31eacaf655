package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "axis_jobs_total",
			Help: "Number of jobs by status",
		},
		[]string{"status"},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_job_transitions_total",
			Help: "Total job status transitions by from and to state",
		},
		[]string{"from", "to"},
	)

	JobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_jobs_recovered_total",
			Help: "Total jobs reset to pending by crash recovery",
		},
	)

	// Router metrics
	RouterDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_router_dispatches_total",
			Help: "Total messages dispatched by type and recipient",
		},
		[]string{"type", "to"},
	)

	RouterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_router_errors_total",
			Help: "Total synthetic error replies by error kind",
		},
		[]string{"kind"},
	)

	// Executor metrics
	StepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_steps_executed_total",
			Help: "Total plan steps finished by outcome",
		},
		[]string{"outcome"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axis_step_duration_seconds",
			Help:    "Plan step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gear"},
	)

	IdempotencyCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_idempotency_cache_hits_total",
			Help: "Total step executions served from the idempotency log",
		},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "axis_circuit_open",
			Help: "Whether the circuit breaker for a gear is open (1) or closed (0)",
		},
		[]string{"gear"},
	)

	// Approval metrics
	ApprovalsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_approvals_issued_total",
			Help: "Total approval nonces issued",
		},
	)

	ApprovalsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_approvals_resolved_total",
			Help: "Total approval decisions by outcome",
		},
		[]string{"outcome"},
	)

	// Worker metrics
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "axis_workers_active",
			Help: "Number of workers currently executing a job",
		},
	)

	WorkerClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_worker_claims_total",
			Help: "Total jobs claimed from the pending queue",
		},
	)

	BackpressurePauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_backpressure_pauses_total",
			Help: "Total claim-loop pauses by resource",
		},
		[]string{"resource"},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_backups_total",
			Help: "Total backup runs by result",
		},
		[]string{"result"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axis_backup_duration_seconds",
			Help:    "Backup run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axis_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobTransitions)
	prometheus.MustRegister(JobsRecovered)
	prometheus.MustRegister(RouterDispatches)
	prometheus.MustRegister(RouterErrors)
	prometheus.MustRegister(StepsExecuted)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(IdempotencyCacheHits)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(ApprovalsIssued)
	prometheus.MustRegister(ApprovalsResolved)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(WorkerClaims)
	prometheus.MustRegister(BackpressurePauses)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into the given histogram
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
