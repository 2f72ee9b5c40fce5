package saml

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbenholt/drupal-samlauth/internal/session"
)

// selfSignedCertPEM generates a throwaway IdP certificate for client
// construction. The stub verifier does the actual signature checking, so
// the key pair never signs anything.
func selfSignedCertPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func newTestManager(t *testing.T, accounts *fakeAccounts, sessions session.Store) *Manager {
	t.Helper()

	overrides := map[string]map[string]interface{}{
		"test-idp": {
			KeyIdPEntityID:                "https://idp.example.com",
			KeyIdPSSOURL:                  "https://idp.example.com/sso",
			KeyIdPCertificate:             selfSignedCertPEM(t),
			KeyProvisionAccounts:          true,
			KeyProvisionUsernameAttribute: "name",
			KeyRequireSignedMessages:      false,
		},
	}

	manager, err := NewManager(ManagerConfig{
		BaseURL:  "https://sp.example.com",
		Resolver: NewSettingsResolver(overrides, nil, nil, nil),
		Sessions: sessions,
		Accounts: accounts,
		Verifier: &stubVerifier{},
	})
	require.NoError(t, err)
	return manager
}

func TestManagerLoginFlow(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	accounts := newFakeAccounts()
	manager := newTestManager(t, accounts, sessions)

	// Outbound leg: the redirect carries the AuthnRequest and RelayState
	redirect, err := manager.BeginLogin(ctx, "sess-1", "test-idp", "/admin/content")
	require.NoError(t, err)

	redirectURL, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", redirectURL.Host)
	assert.Equal(t, "/sso", redirectURL.Path)
	assert.NotEmpty(t, redirectURL.Query().Get("SAMLRequest"))
	assert.Equal(t, "/admin/content", redirectURL.Query().Get("RelayState"))

	pendingID, ok, err := sessions.Get(ctx, "sess-1", session.KeyRequestID)
	require.NoError(t, err)
	require.True(t, ok)

	// Inbound leg: a response correlated to the pending request id
	fixture := defaultFixture()
	fixture.inResponseTo = pendingID
	payload := fixture.encode()

	user, attrs, err := manager.ConsumeResponse(ctx, "sess-1", "test-idp", payload)
	require.NoError(t, err)
	assert.Equal(t, "a_b", user.Username)
	assert.Equal(t, "a@b.com", user.Email)
	assert.Equal(t, []string{"a@b.com"}, attrs.Get("mail"))
	assert.Equal(t, 1, accounts.created)

	flag, ok, err := sessions.Get(ctx, "sess-1", session.KeyAuthenticated)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", flag)

	// The request id is consumed, so replaying the same response fails
	_, _, err = manager.ConsumeResponse(ctx, "sess-1", "test-idp", payload)
	rejection, ok2 := AsRejection(err)
	require.True(t, ok2)
	assert.Equal(t, RejectCorrelationMismatch, rejection.Kind)
	assert.Equal(t, 1, accounts.created, "a replayed response must not touch accounts")
}

func TestManagerFailedValidationStillConsumesRequestID(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	manager := newTestManager(t, newFakeAccounts(), sessions)

	_, err := manager.BeginLogin(ctx, "sess-1", "test-idp", "")
	require.NoError(t, err)

	// Expired assertion: validation fails after the pending id was taken
	fixture := defaultFixture()
	pendingID, _, err := sessions.Get(ctx, "sess-1", session.KeyRequestID)
	require.NoError(t, err)
	fixture.inResponseTo = pendingID
	fixture.notOnOrAfter = time.Now().Add(-time.Hour)

	_, _, err = manager.ConsumeResponse(ctx, "sess-1", "test-idp", fixture.encode())
	rejection, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectAssertionExpired, rejection.Kind)

	_, ok, err = sessions.Get(ctx, "sess-1", session.KeyRequestID)
	require.NoError(t, err)
	assert.False(t, ok, "a failed attempt still consumes the pending request id")
}

func TestManagerUnconfiguredIdP(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newFakeAccounts(), session.NewMemoryStore())

	_, err := manager.BeginLogin(ctx, "sess-1", "unknown-idp", "")
	rejection, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNotConfigured, rejection.Kind)

	_, _, err = manager.ConsumeResponse(ctx, "sess-1", "unknown-idp", defaultFixture().encode())
	rejection, ok = AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNotConfigured, rejection.Kind)
}

func TestManagerMetadata(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newFakeAccounts(), session.NewMemoryStore())

	metadata, err := manager.Metadata(ctx, "test-idp")
	require.NoError(t, err)
	assert.Contains(t, string(metadata), "https://sp.example.com/saml/test-idp")
	assert.Contains(t, string(metadata), "/saml/test-idp/consume")
}

func TestManagerReload(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newFakeAccounts(), session.NewMemoryStore())

	_, err := manager.BeginLogin(ctx, "sess-1", "test-idp", "")
	require.NoError(t, err)

	// Dropping the cached client must not break subsequent logins
	manager.Reload("test-idp")
	_, err = manager.BeginLogin(ctx, "sess-2", "test-idp", "")
	require.NoError(t, err)
}
