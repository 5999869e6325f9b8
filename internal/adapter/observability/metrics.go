package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// HTTPRequestsTotal counts HTTP requests by route, method and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// BusPublishedTotal counts events published per topic.
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_published_total",
			Help: "Total number of events published per topic",
		},
		[]string{"topic"},
	)
	// BusConsumedTotal counts deliveries per topic and outcome
	// (ok, retried, dlq, duplicate, skipped).
	BusConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_consumed_total",
			Help: "Total number of deliveries per topic and outcome",
		},
		[]string{"topic", "outcome"},
	)
	// BusHandlerDuration observes handler latency per topic.
	BusHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bus_handler_duration_seconds",
			Help:    "Event handler duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"topic"},
	)

	// StageCompletionsTotal counts job-level completion emissions per stage,
	// split by full and partial.
	StageCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_completions_total",
			Help: "Total number of stage completion events emitted",
		},
		[]string{"stage", "kind"},
	)
	// PhaseTransitionsTotal counts job phase transitions.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_transitions_total",
			Help: "Total number of job phase transitions",
		},
		[]string{"to"},
	)

	// MatchCandidatesTotal counts candidate pairs examined by the matcher.
	MatchCandidatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "match_candidates_total",
			Help: "Total number of candidate (image, frame) pairs examined",
		},
	)
	// MatchAcceptedTotal counts accepted (product, video) matches.
	MatchAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "match_accepted_total",
			Help: "Total number of accepted (product, video) matches",
		},
	)
	// MatchRunDuration observes end-to-end match.request processing time.
	MatchRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "match_run_duration_seconds",
			Help:    "Duration of one match.request run",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
	// MatchScoreHistogram records fused scores of accepted matches.
	MatchScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "match_score",
			Help:    "Distribution of fused scores of accepted matches",
			Buckets: []float64{0.80, 0.84, 0.88, 0.92, 0.96, 1.0},
		},
	)

	// EvidenceRendersTotal counts evidence images rendered per outcome.
	EvidenceRendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_renders_total",
			Help: "Total number of evidence renders per outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers every metric family once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(BusPublishedTotal)
	prometheus.MustRegister(BusConsumedTotal)
	prometheus.MustRegister(BusHandlerDuration)
	prometheus.MustRegister(StageCompletionsTotal)
	prometheus.MustRegister(PhaseTransitionsTotal)
	prometheus.MustRegister(MatchCandidatesTotal)
	prometheus.MustRegister(MatchAcceptedTotal)
	prometheus.MustRegister(MatchRunDuration)
	prometheus.MustRegister(MatchScoreHistogram)
	prometheus.MustRegister(EvidenceRendersTotal)
}
