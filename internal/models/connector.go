package models

import (
	"encoding/json"
	"time"
)

// ConnectorState is the lifecycle state of a connector instance
type ConnectorState string

const (
	ConnectorDisconnected ConnectorState = "disconnected"
	ConnectorConnecting   ConnectorState = "connecting"
	ConnectorConnected    ConnectorState = "connected"
	ConnectorError        ConnectorState = "error"
)

// ConnectorRecord is the stored registration of one connector instance.
// Rows whose type has no compiled-in factory are ignored at startup.
type ConnectorRecord struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	ConnectorType  string          `json:"connectorType"`
	Config         json.RawMessage `json:"config"`
	Enabled        bool            `json:"enabled"`
	Status         ConnectorState  `json:"status"`
	LastPollAt     *time.Time      `json:"lastPollAt,omitempty"`
	AlertsReceived int64           `json:"alertsReceived"`
	LastError      string          `json:"lastError,omitempty"`
}

// ConnectorConfig is the common part of a connector's Config blob. Source
// specific connectors embed it and add their own fields.
type ConnectorConfig struct {
	URL                 string `json:"url,omitempty"`
	APIToken            string `json:"api_token,omitempty"`
	Username            string `json:"username,omitempty"`
	Passhash            string `json:"passhash,omitempty"`
	VerifySSL           *bool  `json:"verify_ssl,omitempty"` // nil means true
	PollIntervalSeconds *int   `json:"poll_interval_seconds,omitempty"` // nil = default, 0 disables the loop
	BindAddress         string `json:"bind_address,omitempty"`
	Port                int    `json:"port,omitempty"`
	Community           string `json:"community,omitempty"`
	SNMPVersion         int    `json:"snmp_version,omitempty"`
	TimeoutSeconds      int    `json:"timeout_seconds,omitempty"`
	Retries             int    `json:"retries,omitempty"`
}

// Decode parses a stored config blob. An empty blob decodes to zero values.
func (c *ConnectorConfig) Decode(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, c)
}

// TLSVerify resolves the verify_ssl default (true when unset).
func (c ConnectorConfig) TLSVerify() bool {
	return c.VerifySSL == nil || *c.VerifySSL
}

// TestResult is the outcome of a connector connectivity probe.
type TestResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}
