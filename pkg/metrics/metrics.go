package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metering
	UsageRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_usage_records_total",
			Help: "Usage records written, by model and upstream status class",
		},
		[]string{"model", "status"},
	)

	UsageCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_usage_cost_usd_total",
			Help: "Metered spend in USD by model",
		},
		[]string{"model"},
	)

	UsageTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_usage_tokens_total",
			Help: "Metered tokens by model and direction",
		},
		[]string{"model", "direction"},
	)

	RecordFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_record_failures_total",
			Help: "Usage records that could not be written",
		},
		[]string{"reason"},
	)

	// Follow-up jobs
	FollowUpQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meter_followup_queue_depth",
			Help: "Follow-up jobs waiting for a worker",
		},
	)

	FollowUpJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_followup_jobs_total",
			Help: "Follow-up jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Tagging and budgets
	TagsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_tags_applied_total",
			Help: "Tag links created by automatic classification",
		},
	)

	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_budget_alerts_total",
			Help: "Budget alerts created, by threshold",
		},
		[]string{"threshold"},
	)
)

// Job outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// ObserveRecord updates the metering counters for one written record.
func ObserveRecord(model string, statusCode int, inputTokens, outputTokens int64, cost float64) {
	UsageRecordsTotal.WithLabelValues(model, statusClass(statusCode)).Inc()
	UsageCostTotal.WithLabelValues(model).Add(cost)
	UsageTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	UsageTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// ObserveBudgetAlert counts a newly created budget alert.
func ObserveBudgetAlert(threshold float64) {
	BudgetAlerts.WithLabelValues(strconv.FormatFloat(threshold, 'f', -1, 64)).Inc()
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
