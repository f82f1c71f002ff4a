package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics live on the default registry, so every binary exports every series.

// namespace defines the global prefix for all metrics (e.g., bifrost_...).
const namespace = "bifrost"

// lowLatencyBuckets covers the evaluation hot path (0.1ms to 100ms).
var lowLatencyBuckets = []float64{.0001, .00025, .0005, .001, .002, .005, .010, .025, .050, .100}

var (
	// -------------------------------------------------------------------------
	// FLAG EVALUATION
	// -------------------------------------------------------------------------

	// FlagEvaluations counts evaluations by outcome.
	// Metric: bifrost_flags_evaluations_total{result="true|false|not_found"}
	FlagEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flags",
		Name:      "evaluations_total",
		Help:      "Total feature flag evaluations by result",
	}, []string{"result"})

	// FlagMutations counts writes to the registry by operation.
	FlagMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flags",
		Name:      "mutations_total",
		Help:      "Total flag mutations by operation",
	}, []string{"operation"})

	// FlagsKilled tracks the number of flags currently behind the kill switch.
	FlagsKilled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "flags",
		Name:      "killed",
		Help:      "Current number of flags with the kill switch engaged",
	})

	// -------------------------------------------------------------------------
	// ROLLOUT / ROLLBACK
	// -------------------------------------------------------------------------

	// RolloutTransitions counts session phase transitions.
	// Metric: bifrost_rollout_transitions_total{strategy, phase}
	RolloutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "transitions_total",
		Help:      "Total rollout phase transitions",
	}, []string{"strategy", "phase"})

	// RolloutValidationDuration measures external validation callbacks.
	RolloutValidationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "validation_seconds",
		Help:      "Time taken by rollout validation callbacks",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"}) // pass, fail, timeout, error

	// RolloutsActive tracks in-flight rollout sessions.
	RolloutsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "active_sessions",
		Help:      "Current number of non-terminal rollout sessions",
	})

	// Rollbacks counts rollback invocations by strategy (including no-ops).
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollback",
		Name:      "total",
		Help:      "Total rollback invocations by strategy",
	}, []string{"strategy"})

	// -------------------------------------------------------------------------
	// A/B TESTING
	// -------------------------------------------------------------------------

	// ABSamples counts accepted metric samples by variant.
	ABSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "abtest",
		Name:      "samples_total",
		Help:      "Total A/B metric samples recorded",
	}, []string{"variant"})

	// ABAssignments counts variant assignments.
	ABAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "abtest",
		Name:      "assignments_total",
		Help:      "Total A/B variant assignments",
	}, []string{"variant"})

	// -------------------------------------------------------------------------
	// CONTROL PLANE (HTTP)
	// -------------------------------------------------------------------------

	// ControlPlaneReqDuration measures the latency of HTTP requests.
	// Metric: bifrost_control_plane_http_handling_seconds
	ControlPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in Control Plane",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ControlPlaneReqTotal counts the total number of HTTP requests.
	ControlPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in Control Plane",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// DATA PLANE (gRPC + Cache)
	// -------------------------------------------------------------------------

	// DataPlaneGrpcDuration measures the latency of gRPC requests.
	DataPlaneGrpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "grpc_handling_seconds",
		Help:      "Time taken to handle gRPC requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "code"})

	// DataPlaneGrpcTotal counts the total number of gRPC requests.
	DataPlaneGrpcTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "grpc_requests_total",
		Help:      "Total gRPC requests",
	}, []string{"method", "code"})

	DataPlaneCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_hits_total",
		Help:      "Total L1 cache hits (in-memory)",
	})

	DataPlaneCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_misses_total",
		Help:      "Total L1 cache misses",
	})

	DataPlaneInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_invalidations_total",
		Help:      "Total cache invalidation events received via PubSub",
	})

	// -------------------------------------------------------------------------
	// SYNCER
	// -------------------------------------------------------------------------

	// SyncerJobsTotal counts flag propagation jobs.
	SyncerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "jobs_total",
		Help:      "Total propagation jobs processed",
	}, []string{"target", "status"}) // target: redis|store, status: success|fail

	// SyncerJobDuration measures one propagation of a flag to every target.
	SyncerJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "job_processing_duration_seconds",
		Help:      "Time to propagate one flag change to all targets",
		Buckets:   prometheus.DefBuckets,
	})

	// -------------------------------------------------------------------------
	// CONNECTION POOLS
	// -------------------------------------------------------------------------

	// DatabasePoolConnections samples the pgx pool.
	// Metric: bifrost_database_pool_connections{state="total|idle|in_use|max"}
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "PostgreSQL pool connections by state",
	}, []string{"state"})

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Total successful connection acquisitions",
	})

	// RedisPoolConnections samples the go-redis pool.
	// Metric: bifrost_redis_pool_connections{state="total|idle|stale"}
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_connections",
		Help:      "Redis pool connections by state",
	}, []string{"state"})
)
