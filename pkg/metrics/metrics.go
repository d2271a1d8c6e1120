package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AcquireOpsTotal counts completed acquire operations by problem and outcome.
	// result label is "success", "conflict", "no_capacity" or "error".
	AcquireOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoreserver_acquire_ops_total",
			Help: "Total number of completed environment acquire operations by problem and result",
		},
		[]string{"problem", "result"},
	)

	// AbandonOpsTotal counts completed abandon operations by problem and outcome.
	// result label is "success" or "error".
	AbandonOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoreserver_abandon_ops_total",
			Help: "Total number of completed environment abandon operations by problem and result",
		},
		[]string{"problem", "result"},
	)

	// ScoreReleaseTotal counts score applications that touched an environment.
	// outcome label is "released" (perfect score) or "returned" (handed back).
	ScoreReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoreserver_score_release_total",
			Help: "Total number of score-driven environment transitions by outcome",
		},
		[]string{"problem", "outcome"},
	)

	// UnauthorizedRequestsTotal counts requests denied by role checks.
	UnauthorizedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoreserver_unauthorized_requests_total",
			Help: "Total number of unauthorized environment requests per team",
		},
		[]string{"team_id"},
	)

	// GatewayDurationSeconds tracks how long gateway provisioning calls take.
	GatewayDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scoreserver_gateway_duration_seconds",
			Help:    "Duration of provisioning gateway calls in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 15, 30, 60, 120},
		},
		[]string{"operation"},
	)

	// JobRetriesTotal counts worker job retries due to transient errors.
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoreserver_job_retries_total",
			Help: "Total number of worker job retries due to transient errors",
		},
		[]string{"job_type"},
	)

	// JobPermanentFailuresTotal counts jobs that failed permanently (exhausted
	// retries or non-transient error).
	JobPermanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoreserver_job_permanent_failures_total",
			Help: "Total number of worker jobs that failed permanently",
		},
		[]string{"job_type"},
	)
)
