package metrics

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/circuitbreaker"
	"github.com/power-budget/backend/pkg/faults"
)

var (
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "power_budget_batch_duration_seconds",
			Help:    "Duration of one analysis or re-estimation batch, retries included",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"kind", "status"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_budget_runs_total",
			Help: "Total analysis and re-estimation runs by outcome",
		},
		[]string{"kind", "status"},
	)

	RunRecords = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "power_budget_run_records",
			Help:    "Number of records produced per successful run",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 250, 500},
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_budget_retries_total",
			Help: "Total retried model calls by error kind",
		},
		[]string{"kind"},
	)

	SanitizerRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "power_budget_sanitizer_repairs_total",
			Help: "Total model responses recovered by truncation repair",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_budget_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "power_budget_active_sessions",
			Help: "Number of live sessions",
		},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_budget_session_transitions_total",
			Help: "Total session state transitions",
		},
		[]string{"from", "to"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "power_budget_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	FilesParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_budget_files_parsed_total",
			Help: "Total uploaded BOM files by format",
		},
		[]string{"format"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Calling it more
// than once is a no-op.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BatchDuration,
			RunsTotal,
			RunRecords,
			RetriesTotal,
			SanitizerRepairs,
			LLMTokensUsed,
			ActiveSessions,
			SessionTransitions,
			BreakerState,
			FilesParsed,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

func ObserveBatch(kind models.RunKind, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = string(faults.Classify(err))
	}
	BatchDuration.WithLabelValues(string(kind), status).Observe(elapsed.Seconds())
}

func RecordRetry(kind faults.Kind) {
	RetriesTotal.WithLabelValues(string(kind)).Inc()
}

func RecordRepair() {
	SanitizerRepairs.Inc()
}

func RecordUsage(model string, usage models.Usage) {
	LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

func RecordRun(run models.AnalysisRun) {
	RunsTotal.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	if run.Status == models.RunSucceeded {
		RunRecords.Observe(float64(run.RecordCount))
	}
}

func RecordTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}

func SetActiveSessions(n int) {
	ActiveSessions.Set(float64(n))
}

func SetBreakerState(name string, state circuitbreaker.State) {
	var v float64
	switch state {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	BreakerState.WithLabelValues(name).Set(v)
}

func RecordFile(format string) {
	FilesParsed.WithLabelValues(format).Inc()
}
