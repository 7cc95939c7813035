// Package mail delivers transactional email.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"saas-crm/internal/observability"
)

var resetTemplate = template.Must(template.New("reset").Parse(`You asked to reset your password.

Use the link below before {{.ExpiresAt}} to choose a new one:

{{.Link}}

If you did not ask for this, ignore this message.
`))

type resetData struct {
	Link      string
	ExpiresAt string
}

func renderReset(link string, expiresAt time.Time) (string, error) {
	var buf bytes.Buffer
	err := resetTemplate.Execute(&buf, resetData{
		Link:      link,
		ExpiresAt: expiresAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return "", fmt.Errorf("render reset email: %w", err)
	}
	return buf.String(), nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends plain-text mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, to, link string, expiresAt time.Time) error {
	body, err := renderReset(link, expiresAt)
	if err != nil {
		return err
	}
	msg := buildMessage(s.cfg.From, to, "Reset your password", body)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	done := make(chan error, 1)
	go func() {
		done <- s.send(addr, auth, s.cfg.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send reset email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send reset email: %w", ctx.Err())
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogSender writes the message to the log instead of sending it. Used when
// no SMTP relay is configured.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendPasswordReset(_ context.Context, to, link string, expiresAt time.Time) error {
	s.logger.Info("password_reset_email", map[string]any{
		"to":         to,
		"link":       link,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	return nil
}
