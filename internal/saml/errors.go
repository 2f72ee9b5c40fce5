package saml

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbenholt/drupal-samlauth/internal/models"
)

// RejectionKind is the machine-readable reason a login attempt was refused.
// It is logged internally; users only ever see a generic failure message.
type RejectionKind string

const (
	RejectNotConfigured                RejectionKind = "not_configured"
	RejectMalformedResponse            RejectionKind = "malformed_response"
	RejectResponseStatus               RejectionKind = "response_status"
	RejectDestinationMismatch          RejectionKind = "destination_mismatch"
	RejectCorrelationMismatch          RejectionKind = "correlation_mismatch"
	RejectSignatureInvalid             RejectionKind = "signature_invalid"
	RejectEncryptionRequired           RejectionKind = "encryption_required"
	RejectDecryptionFailed             RejectionKind = "decryption_failed"
	RejectAssertionExpired             RejectionKind = "assertion_expired"
	RejectAudienceMismatch             RejectionKind = "audience_mismatch"
	RejectMissingMappingAttribute      RejectionKind = "missing_mapping_attribute"
	RejectMissingProvisioningAttribute RejectionKind = "missing_provisioning_attribute"
	RejectNoMatchingAccount            RejectionKind = "no_matching_account"
	RejectAccountCreationFailed        RejectionKind = "account_creation_failed"
)

// Rejection terminates a login attempt. It carries the specific kind for
// logging; callers must not act on any extracted claim once one is returned.
type Rejection struct {
	Kind   RejectionKind
	Detail string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("saml: %s: %s: %v", r.Kind, r.Detail, r.Err)
	}
	return fmt.Sprintf("saml: %s: %s", r.Kind, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func rejectf(kind RejectionKind, format string, args ...interface{}) *Rejection {
	return &Rejection{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func rejectErr(kind RejectionKind, detail string, err error) *Rejection {
	return &Rejection{Kind: kind, Detail: detail, Err: err}
}

// AsRejection extracts the Rejection from an error chain, if any
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var (
	// ErrDuplicateIdentity is returned by AccountStore.CreateUserWithIdentity
	// when the (idp, NameID) mapping already exists. The resolver retries it
	// as a lookup, never surfaces it.
	ErrDuplicateIdentity = errors.New("external identity mapping already exists")
)

// AccountStore is the persistent account collaborator. Lookups return
// (nil, nil) when no record matches.
type AccountStore interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByExternalIdentity(ctx context.Context, idpID, nameID string) (*models.User, error)

	// CreateUserWithIdentity persists the account and its (idpID, nameID)
	// mapping in one transaction. Returns ErrDuplicateIdentity when the
	// mapping's unique constraint fires.
	CreateUserWithIdentity(ctx context.Context, user *models.User, idpID, nameID string) error

	TouchIdentityLogin(ctx context.Context, idpID, nameID string) error
}
