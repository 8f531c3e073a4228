// Package metrics exposes the pipeline's Prometheus instrumentation. All
// collectors hang off a process-wide singleton so any component can record
// without plumbing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds every collector the pipeline registers.
type Metrics struct {
	alertsRaised       *prometheus.CounterVec
	alertsDeduplicated *prometheus.CounterVec
	alertsResolved     *prometheus.CounterVec
	alertsExpired      prometheus.Counter
	payloadsDropped    *prometheus.CounterVec

	trapsReceived  prometheus.Counter
	trapsProcessed prometheus.Counter
	trapsErrors    prometheus.Counter
	trapsDropped   prometheus.Counter
	trapQueueDepth prometheus.Gauge

	jobsDispatched prometheus.Counter
	executions     *prometheus.CounterVec
	workerCount    prometheus.Gauge
	schedulerQueue prometheus.Gauge

	deliveries *prometheus.CounterVec

	ruleEvaluations prometheus.Counter
	ruleAlerts      prometheus.Counter
}

// Get returns the singleton metrics instance, registering the collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		alertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "pipeline",
				Name:      "alerts_raised_total",
				Help:      "Total alerts raised, by source system",
			},
			[]string{"source"},
		),
		alertsDeduplicated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "pipeline",
				Name:      "alerts_deduplicated_total",
				Help:      "Total raises folded into an existing live alert",
			},
			[]string{"source"},
		),
		alertsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "pipeline",
				Name:      "alerts_resolved_total",
				Help:      "Total alerts moved to history as resolved",
			},
			[]string{"source"},
		),
		alertsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "pipeline",
				Name:      "alerts_expired_total",
				Help:      "Total alerts expired past their TTL",
			},
		),
		payloadsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "pipeline",
				Name:      "payloads_dropped_total",
				Help:      "Total payloads dropped before the alert write",
			},
			[]string{"source", "reason"},
		),
		trapsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "trap",
				Name:      "received_total",
				Help:      "Total SNMP trap datagrams received",
			},
		),
		trapsProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "trap",
				Name:      "processed_total",
				Help:      "Total trap datagrams fully processed",
			},
		),
		trapsErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "trap",
				Name:      "errors_total",
				Help:      "Total trap datagrams that failed processing",
			},
		),
		trapsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "trap",
				Name:      "dropped_total",
				Help:      "Total trap datagrams dropped on queue overflow",
			},
		),
		trapQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "opsconductor",
				Subsystem: "trap",
				Name:      "queue_depth",
				Help:      "Current depth of the trap work queue",
			},
		),
		jobsDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "scheduler",
				Name:      "jobs_dispatched_total",
				Help:      "Total job executions dispatched by the tick loop",
			},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "scheduler",
				Name:      "executions_total",
				Help:      "Total executions finished, by terminal status",
			},
			[]string{"status"},
		),
		workerCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "opsconductor",
				Subsystem: "scheduler",
				Name:      "workers",
				Help:      "Number of live scheduler workers",
			},
		),
		schedulerQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "opsconductor",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Current depth of the execution queue",
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Total notification deliveries, by channel type and outcome",
			},
			[]string{"channel_type", "status"},
		),
		ruleEvaluations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "rules",
				Name:      "evaluations_total",
				Help:      "Total rule evaluation passes",
			},
		),
		ruleAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opsconductor",
				Subsystem: "rules",
				Name:      "alerts_total",
				Help:      "Total alerts created by the rule evaluator",
			},
		),
	}

	prometheus.MustRegister(
		m.alertsRaised,
		m.alertsDeduplicated,
		m.alertsResolved,
		m.alertsExpired,
		m.payloadsDropped,
		m.trapsReceived,
		m.trapsProcessed,
		m.trapsErrors,
		m.trapsDropped,
		m.trapQueueDepth,
		m.jobsDispatched,
		m.executions,
		m.workerCount,
		m.schedulerQueue,
		m.deliveries,
		m.ruleEvaluations,
		m.ruleAlerts,
	)

	return m
}

// RecordAlertRaised records a new live alert.
func (m *Metrics) RecordAlertRaised(source string) {
	m.alertsRaised.WithLabelValues(source).Inc()
}

// RecordAlertDeduplicated records a raise folded into an existing alert.
func (m *Metrics) RecordAlertDeduplicated(source string) {
	m.alertsDeduplicated.WithLabelValues(source).Inc()
}

// RecordAlertResolved records an alert archived as resolved.
func (m *Metrics) RecordAlertResolved(source string) {
	m.alertsResolved.WithLabelValues(source).Inc()
}

// RecordAlertsExpired records alerts swept past their TTL.
func (m *Metrics) RecordAlertsExpired(count int) {
	m.alertsExpired.Add(float64(count))
}

// RecordPayloadDropped records a payload rejected before the alert write.
func (m *Metrics) RecordPayloadDropped(source, reason string) {
	m.payloadsDropped.WithLabelValues(source, reason).Inc()
}

// RecordTrapReceived records an inbound trap datagram.
func (m *Metrics) RecordTrapReceived() { m.trapsReceived.Inc() }

// RecordTrapProcessed records a trap that made it through the workers.
func (m *Metrics) RecordTrapProcessed() { m.trapsProcessed.Inc() }

// RecordTrapError records a trap that failed processing.
func (m *Metrics) RecordTrapError() { m.trapsErrors.Inc() }

// RecordTrapDropped records a trap dropped on queue overflow.
func (m *Metrics) RecordTrapDropped() { m.trapsDropped.Inc() }

// SetTrapQueueDepth publishes the current trap queue depth.
func (m *Metrics) SetTrapQueueDepth(depth int) {
	m.trapQueueDepth.Set(float64(depth))
}

// RecordJobDispatched records a due job handed to the worker pool.
func (m *Metrics) RecordJobDispatched() { m.jobsDispatched.Inc() }

// RecordExecution records an execution reaching a terminal status.
func (m *Metrics) RecordExecution(status string) {
	m.executions.WithLabelValues(status).Inc()
}

// SetWorkerCount publishes the live worker count.
func (m *Metrics) SetWorkerCount(n int) {
	m.workerCount.Set(float64(n))
}

// SetSchedulerQueueDepth publishes the execution queue depth.
func (m *Metrics) SetSchedulerQueueDepth(depth int) {
	m.schedulerQueue.Set(float64(depth))
}

// RecordDelivery records one notification delivery attempt outcome.
func (m *Metrics) RecordDelivery(channelType, status string) {
	m.deliveries.WithLabelValues(channelType, status).Inc()
}

// RecordRuleEvaluation records one evaluator pass over the rule set.
func (m *Metrics) RecordRuleEvaluation() { m.ruleEvaluations.Inc() }

// RecordRuleAlert records an alert synthesized by the rule evaluator.
func (m *Metrics) RecordRuleAlert() { m.ruleAlerts.Inc() }
