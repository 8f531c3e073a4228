package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/models"
)

// WebhookDriver delivers alerts over HTTP POST. Known services (discord,
// slack, teams) get a payload shaped for them; everything else gets the
// generic JSON body, unless the channel carries a custom payload template.
type WebhookDriver struct {
	client         *http.Client
	insecureClient *http.Client
	baseBackoff    time.Duration
}

// NewWebhookDriver creates the webhook driver with its HTTP clients.
func NewWebhookDriver() *WebhookDriver {
	return &WebhookDriver{
		client: &http.Client{Timeout: 30 * time.Second},
		insecureClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		baseBackoff: time.Second,
	}
}

// Type implements Driver.
func (w *WebhookDriver) Type() models.ChannelType { return models.ChannelWebhook }

// Send implements Driver.
func (w *WebhookDriver) Send(ctx context.Context, channel models.NotificationChannel, alert *models.StoredAlert) error {
	var cfg models.WebhookChannelConfig
	if err := json.Unmarshal(channel.Config, &cfg); err != nil {
		return fmt.Errorf("failed to decode webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook channel %q has no URL", channel.Name)
	}

	payload, err := buildWebhookPayload(cfg, alert)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	if cfg.RetryEnabled {
		return w.sendWithRetry(ctx, channel.Name, cfg, payload)
	}
	return w.sendOnce(ctx, cfg, payload)
}

// sendWithRetry retries failed deliveries with exponential backoff capped at
// 30 seconds.
func (w *WebhookDriver) sendWithRetry(ctx context.Context, name string, cfg models.WebhookChannelConfig, payload []byte) error {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	backoff := w.baseBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().
				Str("channel", name).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying webhook after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		err := w.sendOnce(ctx, cfg, payload)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("channel", name).
					Int("attempt", attempt).
					Msg("Webhook succeeded after retry")
			}
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("channel", name).
			Int("attempt", attempt).
			Msg("Webhook attempt failed")
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (w *WebhookDriver) sendOnce(ctx context.Context, cfg models.WebhookChannelConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "OpsConductor/1.0")

	client := w.client
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		client = w.insecureClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookPayloadData is the data custom payload templates render against.
type WebhookPayloadData struct {
	ID              int64
	Fingerprint     string
	Severity        string
	Category        string
	AlertType       string
	Title           string
	Message         string
	Source          string
	DeviceIP        string
	DeviceName      string
	Status          string
	OccurrenceCount int64
	TriggeredAt     string
	Duration        string
	Timestamp       string
}

func payloadData(alert *models.StoredAlert) WebhookPayloadData {
	return WebhookPayloadData{
		ID:              alert.ID,
		Fingerprint:     alert.Fingerprint,
		Severity:        string(alert.Severity),
		Category:        string(alert.Category),
		AlertType:       alert.AlertType,
		Title:           alert.Title,
		Message:         alert.Message,
		Source:          alert.SourceSystem,
		DeviceIP:        alert.DeviceIP,
		DeviceName:      alert.DeviceName,
		Status:          string(alert.Status),
		OccurrenceCount: alert.OccurrenceCount,
		TriggeredAt:     alert.TriggeredAt.Format(time.RFC3339),
		Duration:        formatDuration(time.Since(alert.TriggeredAt)),
		Timestamp:       time.Now().Format(time.RFC3339),
	}
}

func buildWebhookPayload(cfg models.WebhookChannelConfig, alert *models.StoredAlert) ([]byte, error) {
	if cfg.PayloadTemplate != "" {
		return renderPayloadTemplate(cfg.PayloadTemplate, payloadData(alert))
	}
	switch cfg.Service {
	case "discord":
		return discordPayload(alert)
	case "slack":
		return slackPayload(alert)
	case "teams":
		return teamsPayload(alert)
	default:
		return genericPayload(alert)
	}
}

// renderPayloadTemplate renders a custom payload template and checks that the
// result is valid JSON before it goes on the wire.
func renderPayloadTemplate(tmplStr string, data WebhookPayloadData) ([]byte, error) {
	funcMap := template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"json": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	tmpl, err := template.New("webhook").Funcs(funcMap).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template execution failed: %w", err)
	}

	var jsonCheck interface{}
	if err := json.Unmarshal(buf.Bytes(), &jsonCheck); err != nil {
		return nil, fmt.Errorf("template produced invalid JSON: %w", err)
	}
	return buf.Bytes(), nil
}

func severityColor(sev models.Severity) int {
	switch sev {
	case models.SeverityCritical:
		return 15158332 // red
	case models.SeverityMajor:
		return 15105570 // orange
	case models.SeverityMinor, models.SeverityWarning:
		return 16776960 // yellow
	case models.SeverityClear:
		return 3066993 // green
	default:
		return 3447003 // blue
	}
}

func deviceLabel(alert *models.StoredAlert) string {
	if alert.DeviceName != "" {
		return fmt.Sprintf("%s (%s)", alert.DeviceName, alert.DeviceIP)
	}
	return alert.DeviceIP
}

func discordPayload(alert *models.StoredAlert) ([]byte, error) {
	type field struct {
		Name   string `json:"name"`
		Value  string `json:"value"`
		Inline bool   `json:"inline"`
	}
	type footer struct {
		Text string `json:"text"`
	}
	type embed struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Color       int     `json:"color"`
		Fields      []field `json:"fields"`
		Timestamp   string  `json:"timestamp"`
		Footer      footer  `json:"footer"`
	}

	payload := struct {
		Username string  `json:"username"`
		Embeds   []embed `json:"embeds"`
	}{
		Username: "OpsConductor",
		Embeds: []embed{{
			Title:       alert.Title,
			Description: alert.Message,
			Color:       severityColor(alert.Severity),
			Fields: []field{
				{Name: "Severity", Value: strings.ToUpper(string(alert.Severity)), Inline: true},
				{Name: "Device", Value: deviceLabel(alert), Inline: true},
				{Name: "Category", Value: string(alert.Category), Inline: true},
				{Name: "Source", Value: alert.SourceSystem, Inline: true},
				{Name: "Occurrences", Value: fmt.Sprintf("%d", alert.OccurrenceCount), Inline: true},
				{Name: "Status", Value: string(alert.Status), Inline: true},
			},
			Timestamp: alert.TriggeredAt.Format(time.RFC3339),
			Footer:    footer{Text: "OpsConductor"},
		}},
	}
	return json.Marshal(payload)
}

func slackPayload(alert *models.StoredAlert) ([]byte, error) {
	type textObj struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type block struct {
		Type   string    `json:"type"`
		Text   *textObj  `json:"text,omitempty"`
		Fields []textObj `json:"fields,omitempty"`
	}

	payload := struct {
		Text   string  `json:"text"`
		Blocks []block `json:"blocks"`
	}{
		Text: fmt.Sprintf("OpsConductor alert: %s - %s", strings.ToUpper(string(alert.Severity)), alert.Title),
		Blocks: []block{
			{
				Type: "header",
				Text: &textObj{Type: "plain_text", Text: alert.Title},
			},
			{
				Type: "section",
				Text: &textObj{Type: "mrkdwn", Text: alert.Message},
			},
			{
				Type: "section",
				Fields: []textObj{
					{Type: "mrkdwn", Text: "*Severity:*\n" + string(alert.Severity)},
					{Type: "mrkdwn", Text: "*Device:*\n" + deviceLabel(alert)},
					{Type: "mrkdwn", Text: "*Category:*\n" + string(alert.Category)},
					{Type: "mrkdwn", Text: "*Source:*\n" + alert.SourceSystem},
					{Type: "mrkdwn", Text: fmt.Sprintf("*Occurrences:*\n%d", alert.OccurrenceCount)},
					{Type: "mrkdwn", Text: "*Status:*\n" + string(alert.Status)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func teamsPayload(alert *models.StoredAlert) ([]byte, error) {
	type fact struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type section struct {
		ActivityTitle    string `json:"activityTitle"`
		ActivitySubtitle string `json:"activitySubtitle"`
		Facts            []fact `json:"facts"`
		Markdown         bool   `json:"markdown"`
	}

	var color string
	switch alert.Severity {
	case models.SeverityCritical, models.SeverityMajor:
		color = "FF0000"
	case models.SeverityMinor, models.SeverityWarning:
		color = "FFA500"
	default:
		color = "00FF00"
	}

	payload := struct {
		Type       string    `json:"@type"`
		Context    string    `json:"@context"`
		ThemeColor string    `json:"themeColor"`
		Summary    string    `json:"summary"`
		Sections   []section `json:"sections"`
	}{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: color,
		Summary:    fmt.Sprintf("OpsConductor alert: %s - %s", alert.Severity, alert.Title),
		Sections: []section{{
			ActivityTitle:    alert.Title,
			ActivitySubtitle: alert.Message,
			Facts: []fact{
				{Name: "Severity", Value: string(alert.Severity)},
				{Name: "Device", Value: deviceLabel(alert)},
				{Name: "Category", Value: string(alert.Category)},
				{Name: "Source", Value: alert.SourceSystem},
				{Name: "Occurrences", Value: fmt.Sprintf("%d", alert.OccurrenceCount)},
				{Name: "Status", Value: string(alert.Status)},
			},
			Markdown: true,
		}},
	}
	return json.Marshal(payload)
}

func genericPayload(alert *models.StoredAlert) ([]byte, error) {
	payload := struct {
		Alert     *models.StoredAlert `json:"alert"`
		Timestamp string              `json:"timestamp"`
		Source    string              `json:"source"`
	}{
		Alert:     alert,
		Timestamp: time.Now().Format(time.RFC3339),
		Source:    "opsconductor",
	}
	return json.Marshal(payload)
}

// formatDuration renders a duration the way humans read alert ages.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	}
}
