package providers

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jbenholt/drupal-samlauth/internal/config"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// smtpProvider delivers notifications over plain SMTP with optional
// PLAIN auth
type smtpProvider struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func init() {
	Register("smtp", func() Provider {
		return &smtpProvider{}
	})
}

func (p *smtpProvider) Name() string { return "smtp" }

func (p *smtpProvider) Initialize(cfg config.NotifyConfig) error {
	if cfg.SMTPHost == "" {
		debug.Error("smtp host not provided")
		return errors.New("smtp host is required")
	}
	if cfg.From == "" {
		debug.Error("notification sender address not provided")
		return errors.New("sender address is required")
	}

	p.host = cfg.SMTPHost
	p.port = cfg.SMTPPort
	p.username = cfg.SMTPUsername
	p.password = cfg.SMTPPassword
	p.from = cfg.From

	debug.Info("initialized smtp notification provider for %s:%d", p.host, p.port)
	return nil
}

func (p *smtpProvider) Send(ctx context.Context, to, subject, body string) error {
	if p.host == "" {
		return ErrProviderNotConfigured
	}

	var message strings.Builder
	message.WriteString(fmt.Sprintf("From: %s\r\n", p.from))
	message.WriteString(fmt.Sprintf("To: %s\r\n", to))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	message.WriteString("\r\n")
	message.WriteString(body)

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}

	if err := smtp.SendMail(addr, auth, p.from, []string{to}, []byte(message.String())); err != nil {
		return fmt.Errorf("failed to send email via SMTP: %w", err)
	}

	debug.Debug("sent notification to %s via SMTP %s", to, addr)
	return nil
}
