package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/jbenholt/drupal-samlauth/internal/config"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// mailgunSendTimeout bounds a single Mailgun API call
const mailgunSendTimeout = 10 * time.Second

type mailgunProvider struct {
	client *mailgun.MailgunImpl
	from   string
}

func init() {
	Register("mailgun", func() Provider {
		return &mailgunProvider{}
	})
}

func (p *mailgunProvider) Name() string { return "mailgun" }

func (p *mailgunProvider) Initialize(cfg config.NotifyConfig) error {
	if cfg.MailgunDomain == "" {
		debug.Error("mailgun domain not provided")
		return errors.New("mailgun domain is required")
	}
	if cfg.MailgunAPIKey == "" {
		debug.Error("mailgun api key not provided")
		return errors.New("mailgun api key is required")
	}
	if cfg.From == "" {
		debug.Error("notification sender address not provided")
		return errors.New("sender address is required")
	}

	p.client = mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey)
	p.from = cfg.From

	debug.Info("initialized mailgun notification provider for domain %s", cfg.MailgunDomain)
	return nil
}

func (p *mailgunProvider) Send(ctx context.Context, to, subject, body string) error {
	if p.client == nil {
		return ErrProviderNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, mailgunSendTimeout)
	defer cancel()

	message := p.client.NewMessage(p.from, subject, body, to)
	if _, _, err := p.client.Send(ctx, message); err != nil {
		return fmt.Errorf("failed to send email via Mailgun: %w", err)
	}

	debug.Debug("sent notification to %s via Mailgun", to)
	return nil
}
