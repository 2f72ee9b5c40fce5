package notify

import (
	"context"
	"fmt"

	"github.com/jbenholt/drupal-samlauth/internal/config"
	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/notify/providers"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// Notifier sends an administrative email after a completed SAML login. It
// plugs into the login pipeline as a post-login hook; delivery failures
// are the pipeline's to log, never to act on.
type Notifier struct {
	provider providers.Provider
	adminTo  string
}

// New builds a Notifier from configuration. Returns (nil, nil) when no
// provider is configured, which disables notifications.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	if cfg.Provider == "" {
		debug.Info("No notification provider configured, login notifications disabled")
		return nil, nil
	}
	if cfg.AdminTo == "" {
		return nil, fmt.Errorf("notification provider %s configured without a recipient", cfg.Provider)
	}

	provider, err := providers.New(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	return &Notifier{provider: provider, adminTo: cfg.AdminTo}, nil
}

// NotifyLogin reports a completed SAML login to the configured recipient
func (n *Notifier) NotifyLogin(ctx context.Context, user *models.User, idpID string, attrs saml.Attributes) error {
	subject := fmt.Sprintf("SAML login: %s via %s", user.Username, idpID)
	body := fmt.Sprintf(
		"User %s (%s) signed in through identity provider %q.\nAsserted attributes: %d.\n",
		user.Username, user.Email, idpID, len(attrs),
	)

	if err := n.provider.Send(ctx, n.adminTo, subject, body); err != nil {
		return fmt.Errorf("failed to send login notification: %w", err)
	}
	return nil
}

var _ saml.PostLoginHook = (*Notifier)(nil)
