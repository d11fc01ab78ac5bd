package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_triage"

const (
	// OutcomeSuccess labels batches and calls that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels batches and calls that failed outright.
	OutcomeError = "error"
	// OutcomePartial labels batches that completed with per-unit errors.
	OutcomePartial = "partial"
)

var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of triage batches handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	batchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_seconds",
			Help:      "Triage batch latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events seen by the pipeline, partitioned by disposition.",
		},
		[]string{"disposition"},
	)

	clustersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_total",
			Help:      "Clusters produced by batches, partitioned by severity.",
		},
		[]string{"severity"},
	)

	unitErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_errors_total",
			Help:      "Per-unit batch failures, partitioned by error kind.",
		},
		[]string{"kind"},
	)

	findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings produced, partitioned by tier and whether a fallback produced them.",
		},
		[]string{"tier", "fallback"},
	)

	inferenceDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Inference call latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"tier", "outcome"},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by inference calls.",
		},
	)

	costUSDTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated inference spend in USD.",
		},
	)

	budgetUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_utilization_ratio",
			Help:      "Provider monthly token utilization.",
		},
	)

	budgetDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Reservations denied, partitioned by the budget layer that refused.",
		},
		[]string{"layer"},
	)

	redactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Redacted matches, partitioned by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	securityViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_violations_total",
			Help:      "Outbound payloads blocked by the redaction guard.",
		},
		[]string{"operation"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incident lifecycle actions.",
		},
		[]string{"action"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	ticketsBySLA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_tickets",
			Help:      "Open escalation tickets by SLA state.",
		},
		[]string{"sla"},
	)

	bufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_events",
			Help:      "Events waiting in the ingest buffer.",
		},
	)

	bufferDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_total",
			Help:      "Events dropped because the ingest buffer was full.",
		},
	)
)

// Register attaches mirador-triage collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		batchesTotal,
		batchDurationSeconds,
		eventsTotal,
		clustersTotal,
		unitErrorsTotal,
		findingsTotal,
		inferenceDurationSeconds,
		tokensTotal,
		costUSDTotal,
		budgetUtilization,
		budgetDenialsTotal,
		redactionsTotal,
		securityViolationsTotal,
		incidentsTotal,
		escalationsTotal,
		ticketsBySLA,
		bufferDepth,
		bufferDroppedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveBatch records a batch duration and outcome label.
func ObserveBatch(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomePartial:
	default:
		outcome = OutcomeSuccess
	}
	batchesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	batchDurationSeconds.Observe(duration.Seconds())
}

// ObserveEvents adds n events under the given disposition (accepted, rejected, skipped, sampled_out).
func ObserveEvents(disposition string, n int) {
	if n <= 0 {
		return
	}
	eventsTotal.WithLabelValues(disposition).Add(float64(n))
}

// ObserveCluster counts one cluster at the given severity.
func ObserveCluster(severity string) {
	clustersTotal.WithLabelValues(severity).Inc()
}

// ObserveUnitError counts a per-unit failure by error kind.
func ObserveUnitError(kind string) {
	unitErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveFinding counts a produced finding.
func ObserveFinding(tier string, fallback bool) {
	label := "false"
	if fallback {
		label = "true"
	}
	findingsTotal.WithLabelValues(tier, label).Inc()
}

// ObserveInference records an inference call latency.
func ObserveInference(tier, outcome string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	inferenceDurationSeconds.WithLabelValues(tier, outcome).Observe(duration.Seconds())
}

// ObserveTokens adds settled token usage and cost.
func ObserveTokens(tokens int, cost float64) {
	if tokens > 0 {
		tokensTotal.Add(float64(tokens))
	}
	if cost > 0 {
		costUSDTotal.Add(cost)
	}
}

// SetBudgetUtilization publishes provider monthly utilization.
func SetBudgetUtilization(ratio float64) {
	budgetUtilization.Set(ratio)
}

// ObserveBudgetDenial counts a refused reservation.
func ObserveBudgetDenial(layer string) {
	budgetDenialsTotal.WithLabelValues(layer).Inc()
}

// ObserveRedaction counts redacted matches for a rule.
func ObserveRedaction(rule, severity string, count int) {
	if count <= 0 {
		return
	}
	redactionsTotal.WithLabelValues(rule, severity).Add(float64(count))
}

// ObserveSecurityViolation counts a blocked outbound payload.
func ObserveSecurityViolation(operation string) {
	if operation == "" {
		operation = "unknown"
	}
	securityViolationsTotal.WithLabelValues(operation).Inc()
}

// ObserveIncident counts an incident lifecycle action (created, updated, reopened, resolved).
func ObserveIncident(action string) {
	incidentsTotal.WithLabelValues(action).Inc()
}

// ObserveEscalation counts an escalation attempt outcome.
func ObserveEscalation(outcome string) {
	escalationsTotal.WithLabelValues(outcome).Inc()
}

// SetOpenTickets publishes open ticket counts keyed by SLA state. States absent from counts are zeroed.
func SetOpenTickets(counts map[string]int, states []string) {
	for _, s := range states {
		ticketsBySLA.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// SetBufferDepth publishes the ingest buffer size.
func SetBufferDepth(n int) {
	bufferDepth.Set(float64(n))
}

// ObserveBufferDropped counts events rejected by a full buffer.
func ObserveBufferDropped(n int) {
	if n > 0 {
		bufferDroppedTotal.Add(float64(n))
	}
}
