package models

import (
	"encoding/json"
	"time"
)

// ConditionType selects how an alert rule is evaluated
type ConditionType string

const (
	ConditionErrorRate       ConditionType = "error_rate"
	ConditionErrorCount      ConditionType = "error_count"
	ConditionJobFailureCount ConditionType = "job_failure_count"
	ConditionWorkerCount     ConditionType = "worker_count"
	ConditionLongRunningJob  ConditionType = "long_running_job"
)

// AlertRule is a self-telemetry rule evaluated on a fixed cadence. When the
// condition holds and the cooldown has elapsed, the evaluator synthesizes an
// alert carrying the rule id.
type AlertRule struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	Enabled           bool            `json:"enabled"`
	Severity          Severity        `json:"severity"`
	Category          Category        `json:"category"`
	ConditionType     ConditionType   `json:"conditionType"`
	ConditionConfig   json.RawMessage `json:"conditionConfig"`
	CooldownMinutes   int             `json:"cooldownMinutes"`
	ManualResolveOnly bool            `json:"manualResolveOnly"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// RuleCondition is the decoded form of AlertRule.ConditionConfig. Fields are
// interpreted per condition type; unused fields stay zero.
type RuleCondition struct {
	Threshold          int      `json:"threshold,omitempty"`
	TimeWindowMinutes  int      `json:"time_window_minutes,omitempty"`
	Levels             []string `json:"levels,omitempty"`
	MinWorkers         int      `json:"min_workers,omitempty"`
	MaxDurationMinutes int      `json:"max_duration_minutes,omitempty"`
	JobName            string   `json:"job_name,omitempty"`
}

// SystemLogEntry is one row of the system_logs table the error_rate and
// error_count conditions count over.
type SystemLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}
