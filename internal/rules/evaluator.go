// Package rules evaluates self-telemetry alert rules against the store on a
// fixed cadence. A rule that fires synthesizes a normalized alert and hands it
// to the alert manager, so dedup, correlation, and notification fan-out behave
// exactly as they do for connector alerts. The evaluator also closes the loop:
// once a rule's condition stops holding, the alert it raised is resolved
// automatically unless the rule opts out.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/alerting"
	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
	"github.com/opsconductor/opsconductor/internal/store"
)

// sourceSystem marks alerts the evaluator synthesizes about opsconductor
// itself, as opposed to alerts ingested from monitored equipment.
const sourceSystem = "opsconductor"

const (
	defaultInterval = time.Minute
	defaultWindow   = 5 * time.Minute
	defaultDuration = time.Hour
	sweepTimeout    = 30 * time.Second
)

// PoolInspector reports how many task workers are currently running. An
// inspection error is treated as zero workers.
type PoolInspector interface {
	WorkerCount() (int, error)
}

// Evaluator runs enabled alert rules on a fixed cadence.
type Evaluator struct {
	store   *store.Store
	manager *alerting.Manager
	metrics *metrics.Metrics
	pool    PoolInspector

	interval time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates the evaluator and starts its sweep loop. interval <= 0 selects
// the one-minute default. pool may be nil while no scheduler is running;
// worker_count rules then observe zero workers.
func New(st *store.Store, manager *alerting.Manager, pool PoolInspector, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = defaultInterval
	}
	e := &Evaluator{
		store:    st,
		manager:  manager,
		metrics:  metrics.Get(),
		pool:     pool,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Stop terminates the sweep loop.
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Evaluator) loop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if err := e.EvaluateAll(ctx); err != nil {
				log.Error().Err(err).Msg("Rule sweep failed")
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// EvaluateAll runs one full sweep: every enabled rule is checked against its
// cooldown and condition, then alerts previously raised by rules are resolved
// where the condition no longer holds. Per-rule failures are logged and do not
// stop the sweep. The scheduler's opsconductor.alerts.evaluate task calls this
// directly, so extra sweeps can be scheduled like any other job.
func (e *Evaluator) EvaluateAll(ctx context.Context) error {
	now := time.Now()

	enabled, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	for i := range enabled {
		if err := e.evaluateRule(ctx, &enabled[i], now); err != nil {
			log.Error().Err(err).Str("rule", enabled[i].Name).Msg("Rule evaluation failed")
		}
	}

	e.autoResolve(ctx, now)
	return nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *models.AlertRule, now time.Time) error {
	e.metrics.RecordRuleEvaluation()

	if rule.CooldownMinutes > 0 {
		last, err := e.store.LatestRuleTrigger(ctx, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to check cooldown: %w", err)
		}
		if last != nil && now.Sub(*last) < time.Duration(rule.CooldownMinutes)*time.Minute {
			log.Debug().
				Str("rule", rule.Name).
				Time("lastTriggered", *last).
				Msg("Rule in cooldown, skipping")
			return nil
		}
	}

	triggered, detail, err := e.conditionHolds(ctx, rule, now)
	if err != nil {
		return err
	}
	if !triggered {
		return nil
	}
	return e.trigger(ctx, rule, detail, now)
}

// conditionHolds evaluates one rule's condition and describes what it saw.
// The detail string becomes the alert message when the rule fires.
func (e *Evaluator) conditionHolds(ctx context.Context, rule *models.AlertRule, now time.Time) (bool, string, error) {
	var cond models.RuleCondition
	if len(rule.ConditionConfig) > 0 {
		if err := json.Unmarshal(rule.ConditionConfig, &cond); err != nil {
			return false, "", fmt.Errorf("failed to decode condition config: %w", err)
		}
	}

	// An absent threshold means "any occurrence", not "always".
	threshold := int64(cond.Threshold)
	if threshold < 1 {
		threshold = 1
	}
	window := time.Duration(cond.TimeWindowMinutes) * time.Minute
	if window <= 0 {
		window = defaultWindow
	}

	switch rule.ConditionType {
	case models.ConditionErrorRate, models.ConditionErrorCount:
		levels := cond.Levels
		if len(levels) == 0 {
			levels = []string{"error"}
		}
		count, err := e.store.CountSystemLogs(ctx, levels, now.Add(-window))
		if err != nil {
			return false, "", fmt.Errorf("failed to count system logs: %w", err)
		}
		detail := fmt.Sprintf("%d %s log entries in the last %s (threshold %d)",
			count, strings.Join(levels, "/"), window, threshold)
		return count >= threshold, detail, nil

	case models.ConditionJobFailureCount:
		count, err := e.store.CountExecutionsByStatus(ctx, models.ExecFailed, cond.JobName, now.Add(-window))
		if err != nil {
			return false, "", fmt.Errorf("failed to count failed executions: %w", err)
		}
		scope := "across all jobs"
		if cond.JobName != "" {
			scope = fmt.Sprintf("for job %s", cond.JobName)
		}
		detail := fmt.Sprintf("%d failed executions %s in the last %s (threshold %d)",
			count, scope, window, threshold)
		return count >= threshold, detail, nil

	case models.ConditionWorkerCount:
		workers := 0
		if e.pool != nil {
			if n, err := e.pool.WorkerCount(); err == nil {
				workers = n
			}
		}
		detail := fmt.Sprintf("%d task workers running (minimum %d)", workers, cond.MinWorkers)
		return workers < cond.MinWorkers, detail, nil

	case models.ConditionLongRunningJob:
		maxDuration := time.Duration(cond.MaxDurationMinutes) * time.Minute
		if maxDuration <= 0 {
			maxDuration = defaultDuration
		}
		count, err := e.store.CountLongRunning(ctx, cond.JobName, now.Add(-maxDuration))
		if err != nil {
			return false, "", fmt.Errorf("failed to count long running executions: %w", err)
		}
		detail := fmt.Sprintf("%d executions running longer than %s (threshold %d)",
			count, maxDuration, threshold)
		return count >= threshold, detail, nil

	default:
		return false, "", fmt.Errorf("unknown condition type %q", rule.ConditionType)
	}
}

func (e *Evaluator) trigger(ctx context.Context, rule *models.AlertRule, detail string, now time.Time) error {
	// A rule must never synthesize a clear; that would resolve its own alert.
	severity := rule.Severity
	if !severity.Valid() || severity == models.SeverityClear {
		severity = models.SeverityWarning
	}

	hostname, _ := os.Hostname()
	alertKey := fmt.Sprintf("%s_%d", rule.Name, rule.ID)

	alert := &models.NormalizedAlert{
		SourceSystem: sourceSystem,
		DeviceIP:     "127.0.0.1",
		DeviceName:   hostname,
		Severity:     severity,
		Category:     models.ParseCategory(string(rule.Category)),
		AlertType:    alertKey,
		Title:        fmt.Sprintf("Alert rule %s triggered", rule.Name),
		Message:      detail,
		OccurredAt:   now,
		Fingerprint:  normalize.Fingerprint(sourceSystem, alertKey),
		RuleID:       rule.ID,
	}

	result, err := e.manager.ProcessAlert(ctx, alert)
	if err != nil {
		return fmt.Errorf("failed to process rule alert: %w", err)
	}

	e.metrics.RecordRuleAlert()
	log.Info().
		Str("rule", rule.Name).
		Str("conditionType", string(rule.ConditionType)).
		Str("action", string(result.Action)).
		Str("detail", detail).
		Msg("Alert rule triggered")
	return nil
}

// autoResolve archives rule-created alerts whose condition no longer holds.
// Acknowledged alerts are included; acknowledgement silences, it does not pin.
func (e *Evaluator) autoResolve(ctx context.Context, now time.Time) {
	active, err := e.store.ListActiveRuleAlerts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list rule alerts for auto-resolve")
		return
	}

	for _, alert := range active {
		rule, err := e.store.GetRule(ctx, alert.RuleID)
		if err != nil {
			if errors.Is(err, pkgerrors.ErrNotFound) {
				// The rule was deleted out from under its alert. Leave the
				// alert for the operator; we cannot re-check a condition
				// that no longer exists.
				continue
			}
			log.Error().Err(err).Int64("alertId", alert.ID).Msg("Failed to load rule for auto-resolve")
			continue
		}
		if rule.ManualResolveOnly {
			continue
		}

		stillHolds, _, err := e.conditionHolds(ctx, rule, now)
		if err != nil {
			log.Error().Err(err).Str("rule", rule.Name).Msg("Auto-resolve evaluation failed")
			continue
		}
		if stillHolds {
			continue
		}

		if _, err := e.manager.Resolve(ctx, alert.ID); err != nil {
			log.Error().Err(err).Int64("alertId", alert.ID).Msg("Auto-resolve failed")
			continue
		}
		log.Info().
			Str("rule", rule.Name).
			Int64("alertId", alert.ID).
			Msg("Rule condition cleared, alert auto-resolved")
	}
}
