package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/jbenholt/drupal-samlauth/internal/config"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

type sendgridProvider struct {
	client *sendgrid.Client
	from   string
}

func init() {
	Register("sendgrid", func() Provider {
		return &sendgridProvider{}
	})
}

func (p *sendgridProvider) Name() string { return "sendgrid" }

func (p *sendgridProvider) Initialize(cfg config.NotifyConfig) error {
	if cfg.SendGridAPIKey == "" {
		debug.Error("sendgrid api key not provided")
		return errors.New("sendgrid api key is required")
	}
	if cfg.From == "" {
		debug.Error("notification sender address not provided")
		return errors.New("sender address is required")
	}

	p.client = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	p.from = cfg.From

	debug.Info("initialized sendgrid notification provider")
	return nil
}

func (p *sendgridProvider) Send(ctx context.Context, to, subject, body string) error {
	if p.client == nil {
		return ErrProviderNotConfigured
	}

	message := mail.NewSingleEmailPlainText(
		mail.NewEmail("", p.from),
		subject,
		mail.NewEmail("", to),
		body,
	)

	response, err := p.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid rejected the message: status %d", response.StatusCode)
	}

	debug.Debug("sent notification to %s via SendGrid", to)
	return nil
}
