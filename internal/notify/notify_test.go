package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testAlert() *models.StoredAlert {
	return &models.StoredAlert{
		ID:              7,
		Fingerprint:     "abcdef0123456789",
		SourceSystem:    "snmp",
		DeviceIP:        "10.2.2.2",
		DeviceName:      "core-sw1",
		Severity:        models.SeverityCritical,
		Category:        models.CategoryNetwork,
		AlertType:       "link_down",
		Title:           "core-sw1 port 3 link down",
		Message:         "Link down on port 3",
		Status:          models.StatusActive,
		OccurrenceCount: 2,
		TriggeredAt:     time.Now().Add(-5 * time.Minute),
		LastSeenAt:      time.Now(),
	}
}

func webhookChannel(t *testing.T, cfg models.WebhookChannelConfig) models.NotificationChannel {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return models.NotificationChannel{
		ID:      1,
		Name:    "test-hook",
		Type:    models.ChannelWebhook,
		Config:  raw,
		Enabled: true,
	}
}

func TestWebhookDriverDeliversGenericPayload(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		body := make([]byte, r.ContentLength)
		r.Body.Read(body) //nolint:errcheck
		gotBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	drv := NewWebhookDriver()
	ch := webhookChannel(t, models.WebhookChannelConfig{URL: srv.URL})
	if err := drv.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("content-type = %q", gotContentType)
	}
	if gotUserAgent != "OpsConductor/1.0" {
		t.Errorf("user-agent = %q", gotUserAgent)
	}

	var payload struct {
		Alert  *models.StoredAlert `json:"alert"`
		Source string              `json:"source"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Source != "opsconductor" {
		t.Errorf("source = %q", payload.Source)
	}
	if payload.Alert == nil || payload.Alert.Fingerprint != "abcdef0123456789" {
		t.Errorf("alert not carried in payload: %+v", payload.Alert)
	}
}

func TestWebhookDriverServicePayloads(t *testing.T) {
	tests := []struct {
		service string
		wantKey string
	}{
		{"discord", "embeds"},
		{"slack", "blocks"},
		{"teams", "MessageCard"},
	}

	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			var body string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				buf := make([]byte, r.ContentLength)
				r.Body.Read(buf) //nolint:errcheck
				body = string(buf)
			}))
			defer srv.Close()

			drv := NewWebhookDriver()
			ch := webhookChannel(t, models.WebhookChannelConfig{URL: srv.URL, Service: tt.service})
			if err := drv.Send(context.Background(), ch, testAlert()); err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if !strings.Contains(body, tt.wantKey) {
				t.Errorf("payload for %s missing %q: %s", tt.service, tt.wantKey, body)
			}
			var check map[string]interface{}
			if err := json.Unmarshal([]byte(body), &check); err != nil {
				t.Errorf("payload is not valid JSON: %v", err)
			}
		})
	}
}

func TestWebhookDriverRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	drv := NewWebhookDriver()
	drv.baseBackoff = time.Millisecond
	ch := webhookChannel(t, models.WebhookChannelConfig{
		URL:          srv.URL,
		RetryEnabled: true,
		MaxRetries:   3,
	})
	if err := drv.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestWebhookDriverGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	drv := NewWebhookDriver()
	drv.baseBackoff = time.Millisecond
	ch := webhookChannel(t, models.WebhookChannelConfig{
		URL:          srv.URL,
		RetryEnabled: true,
		MaxRetries:   2,
	})
	err := drv.Send(context.Background(), ch, testAlert())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", n)
	}
}

func TestWebhookDriverCustomTemplate(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf) //nolint:errcheck
		body = string(buf)
	}))
	defer srv.Close()

	drv := NewWebhookDriver()
	ch := webhookChannel(t, models.WebhookChannelConfig{
		URL:             srv.URL,
		PayloadTemplate: `{"sev": "{{.Severity | upper}}", "msg": {{.Message | json}}}`,
	})
	if err := drv.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var payload struct {
		Sev string `json:"sev"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Sev != "CRITICAL" {
		t.Errorf("sev = %q", payload.Sev)
	}
	if payload.Msg != "Link down on port 3" {
		t.Errorf("msg = %q", payload.Msg)
	}
}

func TestWebhookDriverRejectsBadTemplateOutput(t *testing.T) {
	drv := NewWebhookDriver()
	ch := webhookChannel(t, models.WebhookChannelConfig{
		URL:             "http://127.0.0.1:1",
		PayloadTemplate: `not json at all {{.Severity}}`,
	})
	err := drv.Send(context.Background(), ch, testAlert())
	if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("err = %v, want invalid JSON error", err)
	}
}

type fakeDriver struct {
	typ   models.ChannelType
	calls []int64
	err   error
}

func (f *fakeDriver) Type() models.ChannelType { return f.typ }

func (f *fakeDriver) Send(_ context.Context, channel models.NotificationChannel, _ *models.StoredAlert) error {
	f.calls = append(f.calls, channel.ID)
	return f.err
}

func TestDispatcherDeliversOncePerChannel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	chID, err := st.SaveChannel(ctx, models.NotificationChannel{
		Name:    "ops",
		Type:    models.ChannelWebhook,
		Config:  json.RawMessage(`{"url":"http://example.invalid"}`),
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("save channel: %v", err)
	}

	// Two rules select the same channel; it must be delivered to once.
	for _, name := range []string{"critical-only", "everything"} {
		rule := models.NotificationRule{
			Name:        name,
			TriggerType: TriggerAny,
			ChannelIDs:  []int64{chID},
			Enabled:     true,
		}
		if name == "critical-only" {
			rule.SeverityFilter = []string{"critical"}
			rule.TriggerType = TriggerRaised
		}
		if _, err := st.SaveNotificationRule(ctx, rule); err != nil {
			t.Fatalf("save rule: %v", err)
		}
	}

	drv := &fakeDriver{typ: models.ChannelWebhook}
	d := NewDispatcher(st, drv)
	d.HandleAlert(ctx, testAlert(), TriggerRaised)

	if len(drv.calls) != 1 {
		t.Fatalf("driver called %d times, want 1", len(drv.calls))
	}

	recs, err := st.ListNotificationsForAlert(ctx, 7)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("history rows = %d, want 1", len(recs))
	}
	if recs[0].Status != models.DeliverySent {
		t.Errorf("status = %s, want sent", recs[0].Status)
	}
}

func TestDispatcherSeverityFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	chID, err := st.SaveChannel(ctx, models.NotificationChannel{
		Name:    "ops",
		Type:    models.ChannelWebhook,
		Config:  json.RawMessage(`{"url":"http://example.invalid"}`),
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("save channel: %v", err)
	}
	if _, err := st.SaveNotificationRule(ctx, models.NotificationRule{
		Name:           "majors",
		TriggerType:    TriggerAny,
		SeverityFilter: []string{"major", "crit*"},
		ChannelIDs:     []int64{chID},
		Enabled:        true,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	drv := &fakeDriver{typ: models.ChannelWebhook}
	d := NewDispatcher(st, drv)

	warning := testAlert()
	warning.Severity = models.SeverityWarning
	d.HandleAlert(ctx, warning, TriggerRaised)
	if len(drv.calls) != 0 {
		t.Fatalf("warning alert must be filtered out, driver called %d times", len(drv.calls))
	}

	d.HandleAlert(ctx, testAlert(), TriggerRaised) // critical matches crit*
	if len(drv.calls) != 1 {
		t.Fatalf("critical alert must pass the filter, driver called %d times", len(drv.calls))
	}
}

func TestDispatcherRecordsFailedDelivery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	chID, err := st.SaveChannel(ctx, models.NotificationChannel{
		Name:    "broken",
		Type:    models.ChannelWebhook,
		Config:  json.RawMessage(`{"url":"http://example.invalid"}`),
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("save channel: %v", err)
	}
	if _, err := st.SaveNotificationRule(ctx, models.NotificationRule{
		Name:        "all",
		TriggerType: TriggerAny,
		ChannelIDs:  []int64{chID},
		Enabled:     true,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	drv := &fakeDriver{typ: models.ChannelWebhook, err: context.DeadlineExceeded}
	d := NewDispatcher(st, drv)
	d.HandleAlert(ctx, testAlert(), TriggerResolved)

	recs, err := st.ListNotificationsForAlert(ctx, 7)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != models.DeliveryFailed {
		t.Fatalf("recs = %+v, want one failed row", recs)
	}
}

func TestBuildEmailMessage(t *testing.T) {
	msg := string(buildEmailMessage("ops@example.com", []string{"oncall@example.com"}, testAlert()))

	for _, want := range []string{
		"From: ops@example.com",
		"To: oncall@example.com",
		"Subject: [CRITICAL] core-sw1 port 3 link down",
		"Link down on port 3",
		"Device:      core-sw1 (10.2.2.2)",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if !strings.Contains(msg, "\r\n\r\n") {
		t.Error("message has no header/body separator")
	}
}
