package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
)

// EmailDriver delivers alerts over SMTP. STARTTLS is attempted whenever the
// channel asks for TLS and the server advertises it; auth is used when the
// channel carries credentials.
type EmailDriver struct {
	dialTimeout time.Duration
}

// NewEmailDriver creates the email driver.
func NewEmailDriver() *EmailDriver {
	return &EmailDriver{dialTimeout: 15 * time.Second}
}

// Type implements Driver.
func (e *EmailDriver) Type() models.ChannelType { return models.ChannelEmail }

// Send implements Driver.
func (e *EmailDriver) Send(ctx context.Context, channel models.NotificationChannel, alert *models.StoredAlert) error {
	var cfg models.EmailChannelConfig
	if err := json.Unmarshal(channel.Config, &cfg); err != nil {
		return fmt.Errorf("failed to decode email config: %w", err)
	}
	if cfg.Server == "" {
		return fmt.Errorf("email channel %q has no server", channel.Name)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	recipients := cfg.To
	if len(recipients) == 0 {
		if cfg.From == "" {
			return fmt.Errorf("email channel %q has no recipients", channel.Name)
		}
		recipients = []string{cfg.From}
	}

	msg := buildEmailMessage(cfg.From, recipients, alert)
	return e.send(ctx, cfg, recipients, msg)
}

func (e *EmailDriver) send(ctx context.Context, cfg models.EmailChannelConfig, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Server, fmt.Sprintf("%d", cfg.Port))

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if cfg.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{ServerName: cfg.Server}
			if err := client.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Server)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s failed: %w", rcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	return client.Quit()
}

// buildEmailMessage renders the RFC 5322 message with a plain-text body.
func buildEmailMessage(from string, to []string, alert *models.StoredAlert) []byte {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)

	var body strings.Builder
	fmt.Fprintf(&body, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&body, "Severity:    %s\r\n", alert.Severity)
	fmt.Fprintf(&body, "Device:      %s\r\n", deviceLabel(alert))
	fmt.Fprintf(&body, "Category:    %s\r\n", alert.Category)
	fmt.Fprintf(&body, "Source:      %s\r\n", alert.SourceSystem)
	fmt.Fprintf(&body, "Status:      %s\r\n", alert.Status)
	fmt.Fprintf(&body, "Occurrences: %d\r\n", alert.OccurrenceCount)
	fmt.Fprintf(&body, "Triggered:   %s\r\n", alert.TriggeredAt.Format(time.RFC1123))

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body.String())

	return []byte(msg.String())
}
