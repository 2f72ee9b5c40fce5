package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedAuth "github.com/jbenholt/drupal-samlauth/internal/auth"
	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/routes"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/internal/session"
)

type memAuditor struct {
	mu       sync.Mutex
	attempts []*models.LoginAttempt
}

func (a *memAuditor) RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, attempt)
	return nil
}

func (a *memAuditor) last() *models.LoginAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.attempts) == 0 {
		return nil
	}
	return a.attempts[len(a.attempts)-1]
}

type memAccounts struct {
	mu         sync.Mutex
	byEmail    map[string]*models.User
	byIdentity map[string]*models.User
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		byEmail:    make(map[string]*models.User),
		byIdentity: make(map[string]*models.User),
	}
}

func (a *memAccounts) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byEmail[email], nil
}

func (a *memAccounts) UserByExternalIdentity(ctx context.Context, idpID, nameID string) (*models.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byIdentity[idpID+"\x00"+nameID], nil
}

func (a *memAccounts) CreateUserWithIdentity(ctx context.Context, user *models.User, idpID, nameID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.byIdentity[idpID+"\x00"+nameID] != nil || a.byEmail[user.Email] != nil {
		return saml.ErrDuplicateIdentity
	}
	a.byEmail[user.Email] = user
	a.byIdentity[idpID+"\x00"+nameID] = user
	return nil
}

func (a *memAccounts) TouchIdentityLogin(ctx context.Context, idpID, nameID string) error {
	return nil
}

type passVerifier struct{}

func (passVerifier) Verify(el *etree.Element) (*etree.Element, error) { return el, nil }

func idpCertPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func samlResponsePayload(inResponseTo string) string {
	now := time.Now().UTC()
	signature := `<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><ds:SignedInfo/><ds:SignatureValue>c3R1Yg==</ds:SignatureValue></ds:Signature>`
	xmlDoc := fmt.Sprintf(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="response-1" Version="2.0" IssueInstant="%s" InResponseTo="%s">`+
		`<samlp:Status><samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></samlp:Status>`+
		`<saml:Assertion ID="assertion-1" Version="2.0" IssueInstant="%s">`+
		`<saml:Issuer>https://idp.example.com</saml:Issuer>`+
		signature+
		`<saml:Subject><saml:NameID>urn:foo:123</saml:NameID></saml:Subject>`+
		`<saml:Conditions NotBefore="%s" NotOnOrAfter="%s">`+
		`<saml:AudienceRestriction><saml:Audience>https://sp.example.com/saml/test-idp</saml:Audience></saml:AudienceRestriction>`+
		`</saml:Conditions>`+
		`<saml:AttributeStatement>`+
		`<saml:Attribute Name="mail"><saml:AttributeValue>a@b.com</saml:AttributeValue></saml:Attribute>`+
		`<saml:Attribute Name="name"><saml:AttributeValue>A B</saml:AttributeValue></saml:Attribute>`+
		`</saml:AttributeStatement>`+
		`</saml:Assertion>`+
		`</samlp:Response>`,
		now.Format(time.RFC3339), inResponseTo, now.Format(time.RFC3339),
		now.Add(-5*time.Minute).Format(time.RFC3339), now.Add(5*time.Minute).Format(time.RFC3339),
	)
	return base64.StdEncoding.EncodeToString([]byte(xmlDoc))
}

type samlTestEnv struct {
	router   *mux.Router
	sessions *session.MemoryStore
	accounts *memAccounts
	audit    *memAuditor
}

func newSAMLTestEnv(t *testing.T) *samlTestEnv {
	t.Helper()

	overrides := map[string]map[string]interface{}{
		"test-idp": {
			saml.KeyIdPEntityID:                "https://idp.example.com",
			saml.KeyIdPSSOURL:                  "https://idp.example.com/sso",
			saml.KeyIdPCertificate:             idpCertPEM(t),
			saml.KeyProvisionAccounts:          true,
			saml.KeyProvisionUsernameAttribute: "name",
			saml.KeyRequireSignedMessages:      false,
		},
	}

	sessions := session.NewMemoryStore()
	accounts := newMemAccounts()
	manager, err := saml.NewManager(saml.ManagerConfig{
		BaseURL:  "https://sp.example.com",
		Resolver: saml.NewSettingsResolver(overrides, nil, nil, nil),
		Sessions: sessions,
		Accounts: accounts,
		Verifier: passVerifier{},
	})
	require.NoError(t, err)

	audit := &memAuditor{}
	router := mux.NewRouter()
	routes.SetupSAMLRoutes(router, manager, audit)

	return &samlTestEnv{router: router, sessions: sessions, accounts: accounts, audit: audit}
}

func (e *samlTestEnv) sessionCookie() *http.Cookie {
	return &http.Cookie{Name: sharedAuth.SessionCookieName, Value: uuid.New().String()}
}

func TestSAMLLoginEndToEnd(t *testing.T) {
	env := newSAMLTestEnv(t)
	cookie := env.sessionCookie()

	// Login leg: browser is sent to the IdP with the AuthnRequest
	req := httptest.NewRequest("GET", "/saml/test-idp?RelayState=/admin/content", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", location.Host)
	assert.NotEmpty(t, location.Query().Get("SAMLRequest"))
	assert.Equal(t, "/admin/content", location.Query().Get("RelayState"))

	pendingID, ok, err := env.sessions.Get(context.Background(), cookie.Value, session.KeyRequestID)
	require.NoError(t, err)
	require.True(t, ok)

	// ACS leg: the correlated response provisions the account and lands on
	// the RelayState path
	form := url.Values{
		"SAMLResponse": {samlResponsePayload(pendingID)},
		"RelayState":   {"https://sp.example.com/admin/content"},
	}
	req = httptest.NewRequest("POST", "/saml/test-idp/consume", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin/content", rec.Header().Get("Location"))

	user, err := env.accounts.UserByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "a_b", user.Username)

	attempt := env.audit.last()
	require.NotNil(t, attempt)
	assert.True(t, attempt.Success)
	assert.Equal(t, "test-idp", attempt.IdPID)

	// Replay: the request id was consumed, the browser sees only a generic
	// failure while the audit row carries the reason
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/saml/test-idp/consume", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication failed")
	assert.NotContains(t, rec.Body.String(), "correlation")

	attempt = env.audit.last()
	require.NotNil(t, attempt)
	assert.False(t, attempt.Success)
	assert.Equal(t, "correlation_mismatch", attempt.FailureReason)
}

func TestSAMLConsumeWithoutResponse(t *testing.T) {
	env := newSAMLTestEnv(t)

	req := httptest.NewRequest("POST", "/saml/test-idp/consume", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(env.sessionCookie())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	attempt := env.audit.last()
	require.NotNil(t, attempt)
	assert.Equal(t, "missing_saml_response", attempt.FailureReason)
}

func TestSAMLLoginUnknownIdP(t *testing.T) {
	env := newSAMLTestEnv(t)

	req := httptest.NewRequest("GET", "/saml/unknown-idp", nil)
	req.AddCookie(env.sessionCookie())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSAMLMetadata(t *testing.T) {
	env := newSAMLTestEnv(t)

	req := httptest.NewRequest("GET", "/saml/test-idp/metadata.xml", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "https://sp.example.com/saml/test-idp")
}
