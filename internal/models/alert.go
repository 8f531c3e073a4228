package models

import (
	"encoding/json"
	"time"
)

// Severity represents the normalized severity of an alert
type Severity string

const (
	SeverityClear    Severity = "clear"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityClear:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityMinor:    3,
	SeverityMajor:    4,
	SeverityCritical: 5,
}

// Rank returns the ordering weight of the severity (clear lowest, critical highest).
// Unknown severities rank below clear so they sort first.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known severity values.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity normalizes a free-form severity string. Unrecognized values
// fall back to warning.
func ParseSeverity(v string) Severity {
	switch Severity(v) {
	case SeverityClear, SeverityInfo, SeverityWarning, SeverityMinor, SeverityMajor, SeverityCritical:
		return Severity(v)
	}
	return SeverityWarning
}

// Category classifies what part of the infrastructure an alert concerns
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryCompute     Category = "compute"
	CategoryStorage     Category = "storage"
	CategoryApplication Category = "application"
	CategorySecurity    Category = "security"
	CategoryPower       Category = "power"
	CategoryEnvironment Category = "environment"
	CategoryWireless    Category = "wireless"
	CategoryVideo       Category = "video"
	CategoryUnknown     Category = "unknown"
)

// ParseCategory normalizes a free-form category string. Unrecognized values
// fall back to unknown.
func ParseCategory(v string) Category {
	switch Category(v) {
	case CategoryNetwork, CategoryCompute, CategoryStorage, CategoryApplication,
		CategorySecurity, CategoryPower, CategoryEnvironment, CategoryWireless,
		CategoryVideo, CategoryUnknown:
		return Category(v)
	}
	return CategoryUnknown
}

// AlertStatus is the lifecycle state of a stored alert
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
	StatusExpired      AlertStatus = "expired"
)

// NormalizedAlert is the canonical form every connector payload is reduced to
// before it reaches the alert manager. Immutable after construction.
type NormalizedAlert struct {
	SourceSystem  string          `json:"sourceSystem"`
	SourceAlertID string          `json:"sourceAlertId,omitempty"`
	DeviceIP      string          `json:"deviceIp"`
	DeviceName    string          `json:"deviceName,omitempty"`
	Severity      Severity        `json:"severity"`
	Category      Category        `json:"category"`
	AlertType     string          `json:"alertType"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	OccurredAt    time.Time       `json:"occurredAt"`
	IsClear       bool            `json:"isClear"`
	RawData       json.RawMessage `json:"rawData,omitempty"`
	Fingerprint   string          `json:"fingerprint"`
	RuleID        int64           `json:"ruleId,omitempty"` // set when synthesized by the rule evaluator
}

// StoredAlert is the persisted shape of an alert, in system_alerts while the
// condition is live and in alert_history after resolution or expiry.
type StoredAlert struct {
	ID              int64           `json:"id"`
	Fingerprint     string          `json:"fingerprint"`
	SourceSystem    string          `json:"sourceSystem"`
	SourceAlertID   string          `json:"sourceAlertId,omitempty"`
	DeviceIP        string          `json:"deviceIp"`
	DeviceName      string          `json:"deviceName,omitempty"`
	Severity        Severity        `json:"severity"`
	Category        Category        `json:"category"`
	AlertType       string          `json:"alertType"`
	Title           string          `json:"title"`
	Message         string          `json:"message"`
	Status          AlertStatus     `json:"status"`
	OccurrenceCount int64           `json:"occurrenceCount"`
	TriggeredAt     time.Time       `json:"triggeredAt"`
	LastSeenAt      time.Time       `json:"lastSeenAt"`
	AcknowledgedAt  *time.Time      `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy  string          `json:"acknowledgedBy,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	RuleID          int64           `json:"ruleId,omitempty"`
	RawData         json.RawMessage `json:"rawData,omitempty"`
}

// Live reports whether the alert still occupies the active fingerprint space.
func (a *StoredAlert) Live() bool {
	return a.Status == StatusActive || a.Status == StatusAcknowledged
}
