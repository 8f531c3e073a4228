package models

import "time"

// SeverityMapping translates a source-specific status value into a normalized
// severity. Keyed by (connector_type, source_field, source_value).
type SeverityMapping struct {
	ID            int64    `json:"id"`
	ConnectorType string   `json:"connectorType"`
	SourceField   string   `json:"sourceField"`
	SourceValue   string   `json:"sourceValue"`
	Severity      Severity `json:"severity"`
	Enabled       bool     `json:"enabled"`
}

// CategoryMapping translates a source-specific value into a normalized
// category.
type CategoryMapping struct {
	ID            int64    `json:"id"`
	ConnectorType string   `json:"connectorType"`
	SourceField   string   `json:"sourceField"`
	SourceValue   string   `json:"sourceValue"`
	Category      Category `json:"category"`
	Enabled       bool     `json:"enabled"`
}

// TrapMapping opts an SNMP trap OID into the pipeline and describes how to
// normalize it. Traps without a mapping row are dropped.
type TrapMapping struct {
	ID             int64    `json:"id"`
	TrapOID        string   `json:"trapOid"` // dotted decimal, no leading dot
	Vendor         string   `json:"vendor,omitempty"`
	AlertType      string   `json:"alertType"`
	Severity       Severity `json:"severity"`
	Category       Category `json:"category"`
	IsClear        bool     `json:"isClear"`
	CorrelationKey string   `json:"correlationKey,omitempty"` // template, e.g. "{source_ip}:link:{object_id}"
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
}

// TrapEvent is the typed record a vendor handler emits for a decoded trap.
type TrapEvent struct {
	ID             string            `json:"id"`
	SourceIP       string            `json:"sourceIp"`
	TrapOID        string            `json:"trapOid"`
	Vendor         string            `json:"vendor"`
	EventType      string            `json:"eventType"`
	Severity       Severity          `json:"severity"`
	ObjectType     string            `json:"objectType,omitempty"`
	ObjectID       string            `json:"objectId,omitempty"`
	Description    string            `json:"description"`
	AlarmID        string            `json:"alarmId"`
	IsClear        bool              `json:"isClear"`
	Varbinds       map[string]string `json:"varbinds,omitempty"`
	ReceivedAt     time.Time         `json:"receivedAt"`
	ClearedEventID string            `json:"clearedEventId,omitempty"`
}

// TrapReceiverStatus mirrors the counters flushed to the trap_receiver_status
// row every flush interval.
type TrapReceiverStatus struct {
	Running        bool       `json:"running"`
	TrapsReceived  int64      `json:"trapsReceived"`
	TrapsProcessed int64      `json:"trapsProcessed"`
	TrapsErrors    int64      `json:"trapsErrors"`
	TrapsDropped   int64      `json:"trapsDropped"`
	QueueDepth     int        `json:"queueDepth"`
	LastTrapAt     *time.Time `json:"lastTrapAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
