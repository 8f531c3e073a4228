package models

import (
	"encoding/json"
	"time"
)

// ScheduleType determines how a job's next run is computed
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ExecutionStatus is the lifecycle state of one job execution
type ExecutionStatus string

const (
	ExecQueued  ExecutionStatus = "queued"
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
	ExecTimeout ExecutionStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout:
		return true
	}
	return false
}

// SchedulerJob is one scheduled unit of work. Name is the primary key.
type SchedulerJob struct {
	Name            string          `json:"name"`
	TaskName        string          `json:"taskName"`
	Config          json.RawMessage `json:"config,omitempty"`
	ScheduleType    ScheduleType    `json:"scheduleType"`
	IntervalSeconds int             `json:"intervalSeconds,omitempty"`
	CronExpression  string          `json:"cronExpression,omitempty"`
	Enabled         bool            `json:"enabled"`
	StartAt         *time.Time      `json:"startAt,omitempty"`
	EndAt           *time.Time      `json:"endAt,omitempty"`
	MaxRuns         *int64          `json:"maxRuns,omitempty"`
	RunCount        int64           `json:"runCount"`
	LastRunAt       *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time      `json:"nextRunAt,omitempty"`
	JobDefinitionID string          `json:"jobDefinitionId,omitempty"`
}

// Execution is one run record for a scheduled job.
type Execution struct {
	ID           int64           `json:"id"`
	JobName      string          `json:"jobName"`
	TaskName     string          `json:"taskName"`
	TaskID       string          `json:"taskId,omitempty"`
	Status       ExecutionStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	Result       string          `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Worker       string          `json:"worker,omitempty"`
	TriggeredBy  string          `json:"triggeredBy,omitempty"`
	Progress     *Progress       `json:"progress,omitempty"`
}

// StepStatus is the state of one progress step
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// ProgressStep is one entry in an execution's ordered step list.
type ProgressStep struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Progress is the structured progress blob a worker appends to while an
// execution runs. Updates are read-modify-write; a lost intermediate tick is
// acceptable.
type Progress struct {
	Steps       []ProgressStep `json:"steps"`
	CurrentStep string         `json:"currentStep,omitempty"`
	Percent     int            `json:"percent"`
}

// StartStep appends a running step and marks it current.
func (p *Progress) StartStep(name string, now time.Time) {
	p.Steps = append(p.Steps, ProgressStep{Name: name, Status: StepRunning, StartedAt: &now})
	p.CurrentStep = name
}

// FinishStep closes the newest step with the given name.
func (p *Progress) FinishStep(name string, st StepStatus, msg string, now time.Time) {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		if p.Steps[i].Name == name {
			p.Steps[i].Status = st
			p.Steps[i].FinishedAt = &now
			p.Steps[i].Message = msg
			return
		}
	}
}
