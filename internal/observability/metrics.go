package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., paygate_...).
const namespace = "paygate"

// buildLatencyBuckets covers surface builds, which range from a cache-warm
// template fill (~1ms) to a remote fetch (seconds).
var buildLatencyBuckets = []float64{.001, .005, .010, .025, .050, .100, .250, .500, 1, 2.5, 5}

var (
	// -------------------------------------------------------------------------
	// RULES (Evaluator + Occurrence Counter)
	// -------------------------------------------------------------------------

	// RuleEvaluations counts rule evaluation outcomes by trigger result.
	// Metric: paygate_rules_evaluations_total
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "evaluations_total",
		Help:      "Total rule evaluations by trigger result",
	}, []string{"result"})

	// PredicateErrors counts predicates that failed to evaluate and were
	// downgraded to a non-match.
	PredicateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "predicate_errors_total",
		Help:      "Total predicate evaluation failures treated as non-match",
	})

	OccurrenceDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "occurrence_decisions_total",
		Help:      "Occurrence limit decisions (allowed, exceeded, error)",
	}, []string{"outcome"})

	// -------------------------------------------------------------------------
	// SURFACE CACHE
	// -------------------------------------------------------------------------

	SurfaceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "surface_cache",
		Name:      "hits_total",
		Help:      "Total surface cache hits",
	})

	SurfaceCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "surface_cache",
		Name:      "misses_total",
		Help:      "Total surface cache misses",
	})

	// SurfaceBuilds counts builder invocations. Waiters joining an in-flight
	// build are not counted.
	// Metric: paygate_surface_cache_builds_total
	SurfaceBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "surface_cache",
		Name:      "builds_total",
		Help:      "Total surface builds by status",
	}, []string{"status"}) // success, error, bypass

	SurfaceBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "surface_cache",
		Name:      "build_duration_seconds",
		Help:      "Time taken to build a paywall surface",
		Buckets:   buildLatencyBuckets,
	})

	SurfaceCacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "surface_cache",
		Name:      "items_count",
		Help:      "Current number of cached surfaces",
	})

	SurfaceCacheRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "surface_cache",
		Name:      "removals_total",
		Help:      "Total surfaces removed explicitly or by bulk eviction",
	})

	// -------------------------------------------------------------------------
	// SESSIONS, ASSIGNMENTS, PRESENTATIONS
	// -------------------------------------------------------------------------

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "transitions_total",
		Help:      "Trigger session transitions (activated, ended, reset)",
	}, []string{"transition"})

	AssignmentConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "assignments",
		Name:      "confirmations_total",
		Help:      "Assignment confirmation attempts by status",
	}, []string{"status"}) // confirmed, kept_existing, failed

	// PresentationStates counts the terminal state of every presentation request.
	// Metric: paygate_presentations_states_total
	PresentationStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presentations",
		Name:      "states_total",
		Help:      "Presentation requests by emitted state and reason",
	}, []string{"state", "reason"})

	// -------------------------------------------------------------------------
	// CONFIG SNAPSHOTS
	// -------------------------------------------------------------------------

	SnapshotReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "reloads_total",
		Help:      "Config snapshot reload attempts by status",
	}, []string{"status"}) // applied, unchanged, failed

	// -------------------------------------------------------------------------
	// DECISION API (HTTP)
	// -------------------------------------------------------------------------

	DecisionAPIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "decision_api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle decision API requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	DecisionAPIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision_api",
		Name:      "http_requests_total",
		Help:      "Total decision API requests",
	}, []string{"method", "path", "code"})
)
