package saml

import (
	"context"
	"fmt"

	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/session"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// LoginFinisher performs the local login side effect once an account has
// been resolved. The concrete mechanism lives outside this package.
type LoginFinisher interface {
	FinishLogin(ctx context.Context, user *models.User) error
}

// PostLoginHook is notified after a completed SAML login. Failures are
// logged and never affect the login outcome.
type PostLoginHook interface {
	NotifyLogin(ctx context.Context, user *models.User, idpID string, attrs Attributes) error
}

// Authenticator marks the session as SAML-authenticated and completes the
// local login.
type Authenticator struct {
	sessions session.Store
	finisher LoginFinisher
	hooks    []PostLoginHook
}

// NewAuthenticator builds an authenticator; finisher may be nil and hooks
// may be empty.
func NewAuthenticator(sessions session.Store, finisher LoginFinisher, hooks ...PostLoginHook) *Authenticator {
	return &Authenticator{sessions: sessions, finisher: finisher, hooks: hooks}
}

// CompleteLogin sets the session's SAML-authenticated flag and runs the
// login side effect. Idempotent within one session flow: a second call
// finds the flag already set and does nothing, so side effects never
// double-register.
func (a *Authenticator) CompleteLogin(ctx context.Context, sessionID string, user *models.User, idpID string, attrs Attributes) error {
	flag, ok, err := a.sessions.Get(ctx, sessionID, session.KeyAuthenticated)
	if err != nil {
		return fmt.Errorf("failed to read session authentication flag: %w", err)
	}
	if ok && flag == "1" {
		debug.Debug("Session already SAML-authenticated, skipping login side effects")
		return nil
	}

	if err := a.sessions.Set(ctx, sessionID, session.KeyAuthenticated, "1"); err != nil {
		return fmt.Errorf("failed to set session authentication flag: %w", err)
	}

	if a.finisher != nil {
		if err := a.finisher.FinishLogin(ctx, user); err != nil {
			// Clear the flag so a retry can complete the login
			if clearErr := a.sessions.Delete(ctx, sessionID, session.KeyAuthenticated); clearErr != nil {
				debug.Error("Failed to clear authentication flag after login failure: %v", clearErr)
			}
			return fmt.Errorf("failed to finish local login: %w", err)
		}
	}

	for _, hook := range a.hooks {
		if err := hook.NotifyLogin(ctx, user, idpID, attrs); err != nil {
			debug.Warning("Post-login hook failed for user %s: %v", user.Username, err)
		}
	}

	debug.Info("Completed SAML login for user %s via IdP %s", user.Username, idpID)
	return nil
}
