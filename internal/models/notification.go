package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the delivery driver for a notification channel
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelEmail   ChannelType = "email"
)

// NotificationChannel is a configured delivery endpoint.
type NotificationChannel struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Type      ChannelType     `json:"type"`
	Config    json.RawMessage `json:"config"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WebhookChannelConfig is the decoded Config for webhook channels.
type WebhookChannelConfig struct {
	URL             string            `json:"url"`
	Service         string            `json:"service,omitempty"` // discord, slack, teams, generic
	Headers         map[string]string `json:"headers,omitempty"`
	PayloadTemplate string            `json:"payload_template,omitempty"`
	RetryEnabled    bool              `json:"retry_enabled,omitempty"`
	MaxRetries      int               `json:"max_retries,omitempty"`
	VerifySSL       *bool             `json:"verify_ssl,omitempty"`
}

// EmailChannelConfig is the decoded Config for email channels.
type EmailChannelConfig struct {
	Server   string   `json:"server"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	TLS      bool     `json:"tls"`
}

// NotificationRule decides which channels an alert fans out to. Nil filters
// match everything; filter entries may use * wildcards.
type NotificationRule struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	TriggerType    string   `json:"triggerType"` // "alert.raised", "alert.resolved", or "alert" for any
	SeverityFilter []string `json:"severityFilter,omitempty"`
	CategoryFilter []string `json:"categoryFilter,omitempty"`
	ChannelIDs     []int64  `json:"channelIds"`
	Enabled        bool     `json:"enabled"`
}

// DeliveryStatus is the terminal outcome of one delivery attempt
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// NotificationRecord is one notification_history row.
type NotificationRecord struct {
	ID        int64          `json:"id"`
	AlertID   int64          `json:"alertId"`
	ChannelID int64          `json:"channelId"`
	RuleID    int64          `json:"ruleId,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	SentAt    time.Time      `json:"sentAt"`
}
