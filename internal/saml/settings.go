package saml

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strconv"
	"time"

	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// Canonical settings keys. The stored representation of an IdP's settings
// is a flat map of strings and booleans under these keys; anything else a
// store hands back is dropped during the merge.
const (
	KeyIdPEntityID                = "idp_entity_id"
	KeyIdPSSOURL                  = "idp_sso_url"
	KeyIdPCertificate             = "idp_certificate"
	KeySPCertificate              = "sp_certificate"
	KeySPPrivateKey               = "sp_private_key" // encrypted at rest
	KeyNameIDFormat               = "name_id_format"
	KeyMappingMode                = "mapping_mode"
	KeyMappedEmailAttribute       = "mapped_email_attribute"
	KeyProvisionAccounts          = "provision_accounts"
	KeyProvisionUsernameAttribute = "provision_username_attribute"
	KeyProvisionEmailAttribute    = "provision_email_attribute"
	KeySignAuthnRequests          = "sign_authn_requests"
	KeyRequireSignedMessages      = "require_signed_messages"
	KeyRequireSignedAssertions    = "require_signed_assertions"
	KeyRequireEncryptedAssertions = "require_encrypted_assertions"
	KeyRequireSignedNameID        = "require_signed_name_id"
	KeyClockSkewSeconds           = "clock_skew_seconds"
)

// Mapping modes. Exactly one strategy is active per IdP.
const (
	MappingModeEmail      = "email"
	MappingModeExternalID = "external-id"
)

const defaultNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"

// DefaultSettings returns the canonical defaults map. Its key set defines
// the complete schema of a per-IdP settings record.
func DefaultSettings() map[string]interface{} {
	return map[string]interface{}{
		KeyIdPEntityID:                "",
		KeyIdPSSOURL:                  "",
		KeyIdPCertificate:             "",
		KeySPCertificate:              "",
		KeySPPrivateKey:               "",
		KeyNameIDFormat:               defaultNameIDFormat,
		KeyMappingMode:                MappingModeEmail,
		KeyMappedEmailAttribute:       "mail",
		KeyProvisionAccounts:          false,
		KeyProvisionUsernameAttribute: "uid",
		KeyProvisionEmailAttribute:    "mail",
		KeySignAuthnRequests:          false,
		KeyRequireSignedMessages:      true,
		KeyRequireSignedAssertions:    true,
		KeyRequireEncryptedAssertions: false,
		KeyRequireSignedNameID:        false,
		KeyClockSkewSeconds:           "90",
	}
}

// MergeSettings merges a stored record over the defaults. The result always
// has exactly the defaults' key set: stored keys outside the canonical map
// are discarded, and a stored value replaces a default only when its dynamic
// type matches. Pure function, inputs are not modified.
func MergeSettings(defaults, stored map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults))
	for key, def := range defaults {
		merged[key] = def
		val, ok := stored[key]
		if !ok {
			continue
		}
		switch def.(type) {
		case string:
			if s, ok := val.(string); ok {
				merged[key] = s
			}
		case bool:
			if b, ok := val.(bool); ok {
				merged[key] = b
			}
		}
	}
	return merged
}

// Settings is the complete typed per-IdP record built from a merged map.
// Read-only after construction, safe for concurrent use.
type Settings struct {
	IdPID string

	IdPEntityID    string
	IdPSSOURL      string
	IdPCertificate string

	SPCertificate         string
	SPPrivateKeyEncrypted string
	NameIDFormat          string

	MappingMode          string
	MappedEmailAttribute string

	ProvisionAccounts          bool
	ProvisionUsernameAttribute string
	ProvisionEmailAttribute    string

	SignAuthnRequests          bool
	RequireSignedMessages      bool
	RequireSignedAssertions    bool
	RequireEncryptedAssertions bool
	RequireSignedNameID        bool

	ClockSkew time.Duration

	spKey    *rsa.PrivateKey
	spCert   *x509.Certificate
	degraded bool
}

// Configured reports whether this record is usable. An all-defaults record,
// or one whose signing key material could not be loaded, is not configured
// and every flow against it fails closed.
func (s *Settings) Configured() bool {
	return !s.degraded && s.IdPEntityID != "" && s.IdPSSOURL != "" && s.IdPCertificate != ""
}

// SPKey returns the decrypted SP signing key, or nil when none is configured
func (s *Settings) SPKey() *rsa.PrivateKey { return s.spKey }

// SPCert returns the parsed SP certificate, or nil when none is configured
func (s *Settings) SPCert() *x509.Certificate { return s.spCert }

func settingsFromMap(idpID string, m map[string]interface{}) *Settings {
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	flag := func(key string) bool {
		b, _ := m[key].(bool)
		return b
	}

	skewSeconds, err := strconv.Atoi(str(KeyClockSkewSeconds))
	if err != nil || skewSeconds < 0 {
		skewSeconds = 90
	}

	return &Settings{
		IdPID:                      idpID,
		IdPEntityID:                str(KeyIdPEntityID),
		IdPSSOURL:                  str(KeyIdPSSOURL),
		IdPCertificate:             str(KeyIdPCertificate),
		SPCertificate:              str(KeySPCertificate),
		SPPrivateKeyEncrypted:      str(KeySPPrivateKey),
		NameIDFormat:               str(KeyNameIDFormat),
		MappingMode:                str(KeyMappingMode),
		MappedEmailAttribute:       str(KeyMappedEmailAttribute),
		ProvisionAccounts:          flag(KeyProvisionAccounts),
		ProvisionUsernameAttribute: str(KeyProvisionUsernameAttribute),
		ProvisionEmailAttribute:    str(KeyProvisionEmailAttribute),
		SignAuthnRequests:          flag(KeySignAuthnRequests),
		RequireSignedMessages:      flag(KeyRequireSignedMessages),
		RequireSignedAssertions:    flag(KeyRequireSignedAssertions),
		RequireEncryptedAssertions: flag(KeyRequireEncryptedAssertions),
		RequireSignedNameID:        flag(KeyRequireSignedNameID),
		ClockSkew:                  time.Duration(skewSeconds) * time.Second,
	}
}

// SettingsStore is the persistent settings collaborator. Get returns
// (nil, nil) when no record exists for the id.
type SettingsStore interface {
	GetIdPSettings(ctx context.Context, idpID string) (map[string]interface{}, error)
}

// SettingsHook can adjust a merged settings map after load, before typing.
// It sees only canonical keys and cannot add new ones.
type SettingsHook interface {
	AlterSettings(idpID string, merged map[string]interface{})
}

// SettingsResolver loads per-IdP settings: process-level overrides first,
// then the persistent store, then all-defaults (which fails closed).
type SettingsResolver struct {
	overrides map[string]map[string]interface{}
	store     SettingsStore
	enc       *EncryptionService
	hook      SettingsHook
}

// NewSettingsResolver builds a resolver. overrides and store may each be
// nil; enc is required when any IdP carries an encrypted signing key.
func NewSettingsResolver(overrides map[string]map[string]interface{}, store SettingsStore, enc *EncryptionService, hook SettingsHook) *SettingsResolver {
	return &SettingsResolver{overrides: overrides, store: store, enc: enc, hook: hook}
}

// Resolve returns the complete settings record for an IdP. It never fails
// for a missing record; callers check Configured() and fail closed.
func (r *SettingsResolver) Resolve(ctx context.Context, idpID string) (*Settings, error) {
	raw, ok := r.overrides[idpID]
	if !ok && r.store != nil {
		stored, err := r.store.GetIdPSettings(ctx, idpID)
		if err != nil {
			return nil, fmt.Errorf("failed to load settings for IdP %s: %w", idpID, err)
		}
		raw = stored
	}

	merged := MergeSettings(DefaultSettings(), raw)
	if r.hook != nil {
		r.hook.AlterSettings(idpID, merged)
	}

	settings := settingsFromMap(idpID, merged)
	r.loadSigningKey(settings)
	return settings, nil
}

// loadSigningKey decrypts and parses the SP key material when request
// signing is enabled. Any failure degrades the record to not-configured
// instead of erroring, so a broken key never half-works.
func (r *SettingsResolver) loadSigningKey(settings *Settings) {
	if !settings.SignAuthnRequests || settings.SPPrivateKeyEncrypted == "" {
		return
	}

	if r.enc == nil {
		debug.Warning("IdP %s has an encrypted SP key but no encryption service is configured", settings.IdPID)
		settings.degraded = true
		return
	}

	keyPEM, err := r.enc.Decrypt(settings.SPPrivateKeyEncrypted)
	if err != nil {
		debug.Warning("Failed to decrypt SP private key for IdP %s, treating as not configured: %v", settings.IdPID, err)
		settings.degraded = true
		return
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		debug.Warning("Failed to parse SP private key for IdP %s, treating as not configured: %v", settings.IdPID, err)
		settings.degraded = true
		return
	}
	settings.spKey = key

	if settings.SPCertificate != "" {
		cert, err := parseCertificate(settings.SPCertificate)
		if err != nil {
			debug.Warning("Failed to parse SP certificate for IdP %s, treating as not configured: %v", settings.IdPID, err)
			settings.degraded = true
			return
		}
		settings.spCert = cert
	}
}
