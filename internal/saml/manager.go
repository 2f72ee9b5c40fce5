package saml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/session"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// ManagerConfig wires the manager's collaborators. Resolver, Sessions,
// Accounts and BaseURL are required; the rest are optional.
type ManagerConfig struct {
	BaseURL  string
	Resolver *SettingsResolver
	Sessions session.Store
	Accounts AccountStore

	Finisher         LoginFinisher
	ProvisioningHook ProvisioningHook
	PostLoginHooks   []PostLoginHook

	// Verifier overrides the goxmldsig verifier; used by tests
	Verifier SignatureVerifier
	// Now overrides the validation clock; used by tests
	Now func() time.Time
}

// Manager drives the full SP flow for every configured IdP. Clients are
// built on first use and cached until Reload.
type Manager struct {
	cfg           ManagerConfig
	correlator    *Correlator
	identity      *IdentityResolver
	authenticator *Authenticator

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("settings resolver is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("account store is required")
	}

	return &Manager{
		cfg:           cfg,
		correlator:    NewCorrelator(cfg.Sessions),
		identity:      NewIdentityResolver(cfg.Accounts, cfg.ProvisioningHook),
		authenticator: NewAuthenticator(cfg.Sessions, cfg.Finisher, cfg.PostLoginHooks...),
		clients:       make(map[string]*Client),
	}, nil
}

// client returns the cached client and settings for an IdP, building them
// on first use. Unconfigured IdPs fail closed with a NotConfigured
// rejection.
func (m *Manager) client(ctx context.Context, idpID string) (*Client, *Settings, error) {
	m.mu.RLock()
	client, ok := m.clients[idpID]
	m.mu.RUnlock()
	if ok {
		return client, client.settings, nil
	}

	settings, err := m.cfg.Resolver.Resolve(ctx, idpID)
	if err != nil {
		return nil, nil, err
	}
	if !settings.Configured() {
		return nil, nil, rejectf(RejectNotConfigured, "IdP %s is not configured", idpID)
	}

	client, err = NewClient(m.cfg.BaseURL, settings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build client for IdP %s: %w", idpID, err)
	}

	m.mu.Lock()
	// Another goroutine may have built it first; keep the existing one
	if existing, ok := m.clients[idpID]; ok {
		client = existing
	} else {
		m.clients[idpID] = client
	}
	m.mu.Unlock()

	return client, client.settings, nil
}

// BaseURL returns the public base URL the SP endpoints live under
func (m *Manager) BaseURL() string {
	return m.cfg.BaseURL
}

// Reload drops the cached client for an IdP so changed settings take
// effect on the next request.
func (m *Manager) Reload(idpID string) {
	m.mu.Lock()
	delete(m.clients, idpID)
	m.mu.Unlock()
	debug.Info("Reloaded SAML client for IdP %s", idpID)
}

// BeginLogin starts the flow: correlates a fresh request id to the session
// and returns the IdP redirect URL carrying the AuthnRequest.
func (m *Manager) BeginLogin(ctx context.Context, sessionID, idpID, relayState string) (string, error) {
	client, _, err := m.client(ctx, idpID)
	if err != nil {
		return "", err
	}

	requestID, err := m.correlator.BeginRequest(ctx, sessionID)
	if err != nil {
		return "", err
	}

	redirectURL, err := client.AuthnRequestRedirect(requestID, relayState)
	if err != nil {
		return "", err
	}

	debug.Info("Issued AuthnRequest %s for IdP %s", requestID, idpID)
	return redirectURL.String(), nil
}

// ConsumeResponse runs the ACS pipeline: takes the pending request id
// (single use, even when validation then fails), validates the response,
// resolves or provisions the account, and completes the login. Returns the
// authenticated user and the asserted attributes.
func (m *Manager) ConsumeResponse(ctx context.Context, sessionID, idpID, samlResponse string) (*models.User, Attributes, error) {
	client, settings, err := m.client(ctx, idpID)
	if err != nil {
		return nil, nil, err
	}

	pendingID, _, err := m.correlator.TakePendingRequestID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to take pending request id: %w", err)
	}

	verifier := m.cfg.Verifier
	if verifier == nil {
		verifier = NewXMLDSigVerifier(client.IdPCertificates())
	}

	validator := NewValidator(settings, client.EntityID(), client.ACSURL(), verifier, m.cfg.Now)
	assertion, err := validator.Validate(samlResponse, pendingID)
	if err != nil {
		return nil, nil, err
	}

	user, err := m.identity.ResolveOrProvision(ctx, assertion, settings)
	if err != nil {
		return nil, nil, err
	}

	if err := m.authenticator.CompleteLogin(ctx, sessionID, user, idpID, assertion.Attributes); err != nil {
		return nil, nil, err
	}
	return user, assertion.Attributes, nil
}

// Metadata renders the SP metadata document for an IdP
func (m *Manager) Metadata(ctx context.Context, idpID string) ([]byte, error) {
	client, _, err := m.client(ctx, idpID)
	if err != nil {
		return nil, err
	}
	return client.Metadata()
}
