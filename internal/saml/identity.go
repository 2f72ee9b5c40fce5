package saml

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// ProvisioningHook can adjust a to-be-created account before it is
// persisted. It returns nothing, so it cannot change the authentication
// outcome.
type ProvisioningHook interface {
	AlterProvisionedUser(user *models.User, attrs Attributes)
}

// IdentityResolver maps a validated assertion onto a local account,
// provisioning one when configuration allows.
type IdentityResolver struct {
	accounts AccountStore
	hook     ProvisioningHook
}

// NewIdentityResolver builds a resolver; hook may be nil
func NewIdentityResolver(accounts AccountStore, hook ProvisioningHook) *IdentityResolver {
	return &IdentityResolver{accounts: accounts, hook: hook}
}

// ResolveOrProvision finds the local account for an assertion. Exactly one
// matching strategy runs, chosen by the settings' mapping mode. A missing
// account with provisioning disabled, or a missing required attribute, is
// a Rejection; infrastructure failures are plain errors.
func (r *IdentityResolver) ResolveOrProvision(ctx context.Context, assertion *ValidatedAssertion, settings *Settings) (*models.User, error) {
	var user *models.User
	var err error

	switch settings.MappingMode {
	case MappingModeExternalID:
		user, err = r.accounts.UserByExternalIdentity(ctx, settings.IdPID, assertion.NameID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up account by external identity: %w", err)
		}
		if user != nil {
			if err := r.accounts.TouchIdentityLogin(ctx, settings.IdPID, assertion.NameID); err != nil {
				debug.Warning("Failed to record identity login for IdP %s: %v", settings.IdPID, err)
			}
			return user, nil
		}
	default:
		email := assertion.Attributes.First(settings.MappedEmailAttribute)
		if email == "" {
			return nil, rejectf(RejectMissingMappingAttribute, "assertion has no %s attribute to map by", settings.MappedEmailAttribute)
		}
		user, err = r.accounts.UserByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to look up account by email: %w", err)
		}
		if user != nil {
			return user, nil
		}
	}

	if !settings.ProvisionAccounts {
		return nil, rejectf(RejectNoMatchingAccount, "no local account matches IdP %s subject and provisioning is disabled", settings.IdPID)
	}
	return r.provision(ctx, assertion, settings)
}

func (r *IdentityResolver) provision(ctx context.Context, assertion *ValidatedAssertion, settings *Settings) (*models.User, error) {
	username := assertion.Attributes.First(settings.ProvisionUsernameAttribute)
	if username == "" {
		return nil, rejectf(RejectMissingProvisioningAttribute, "assertion has no %s attribute for the username", settings.ProvisionUsernameAttribute)
	}
	email := assertion.Attributes.First(settings.ProvisionEmailAttribute)
	if email == "" {
		return nil, rejectf(RejectMissingProvisioningAttribute, "assertion has no %s attribute for the email", settings.ProvisionEmailAttribute)
	}

	user := models.NewUser(SanitizeUsername(username), email)

	// The password is random and never derived from the assertion; the
	// account can only ever log in through the IdP unless it is reset.
	passwordHash, err := randomPasswordHash()
	if err != nil {
		return nil, rejectErr(RejectAccountCreationFailed, "failed to generate account password", err)
	}
	user.PasswordHash = passwordHash

	if r.hook != nil {
		r.hook.AlterProvisionedUser(user, assertion.Attributes)
	}

	err = r.accounts.CreateUserWithIdentity(ctx, user, settings.IdPID, assertion.NameID)
	if errors.Is(err, ErrDuplicateIdentity) {
		// Lost a provisioning race; the winner's account is authoritative
		debug.Info("Concurrent provisioning for IdP %s subject detected, reusing existing account", settings.IdPID)
		existing, lookupErr := r.accounts.UserByExternalIdentity(ctx, settings.IdPID, assertion.NameID)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to look up account after provisioning race: %w", lookupErr)
		}
		if existing == nil {
			return nil, rejectf(RejectAccountCreationFailed, "identity mapping exists but no account was found")
		}
		return existing, nil
	}
	if err != nil {
		return nil, rejectErr(RejectAccountCreationFailed, "account store refused the new account", err)
	}

	debug.Info("Provisioned account %s for IdP %s", user.Username, settings.IdPID)
	return user, nil
}

var usernameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeUsername reduces an asserted username to a safe local identifier:
// every character outside [A-Za-z0-9_] becomes an underscore and the result
// is lower-cased. Idempotent.
func SanitizeUsername(username string) string {
	return strings.ToLower(usernameSanitizer.ReplaceAllString(username, "_"))
}

func randomPasswordHash() (string, error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.StdEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
