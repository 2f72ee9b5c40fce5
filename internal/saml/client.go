package saml

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/url"

	"github.com/crewjam/saml"
)

// Client is an explicit per-IdP service-provider client. It is constructed
// once from resolved settings and passed by reference; there is no hidden
// process-wide instance cache.
type Client struct {
	idpID    string
	settings *Settings
	sp       *saml.ServiceProvider
	idpCerts []*x509.Certificate
}

// NewClient builds the service provider for one IdP. The settings record
// must be configured; callers fail closed before getting here.
func NewClient(baseURL string, settings *Settings) (*Client, error) {
	idpCert, err := parseCertificate(settings.IdPCertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
	}

	idpSSOURL, err := url.Parse(settings.IdPSSOURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IdP SSO URL: %w", err)
	}

	idpMetadata := &saml.EntityDescriptor{
		EntityID: settings.IdPEntityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{
			{
				SSODescriptor: saml.SSODescriptor{
					RoleDescriptor: saml.RoleDescriptor{
						KeyDescriptors: []saml.KeyDescriptor{
							{
								Use: "signing",
								KeyInfo: saml.KeyInfo{
									X509Data: saml.X509Data{
										X509Certificates: []saml.X509Certificate{
											{Data: base64.StdEncoding.EncodeToString(idpCert.Raw)},
										},
									},
								},
							},
						},
					},
				},
				SingleSignOnServices: []saml.Endpoint{
					{
						Binding:  saml.HTTPPostBinding,
						Location: idpSSOURL.String(),
					},
					{
						Binding:  saml.HTTPRedirectBinding,
						Location: idpSSOURL.String(),
					},
				},
			},
		},
	}

	acsURL, err := url.Parse(ACSURL(baseURL, settings.IdPID))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ACS URL: %w", err)
	}
	metadataURL, err := url.Parse(MetadataURL(baseURL, settings.IdPID))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata URL: %w", err)
	}

	sp := &saml.ServiceProvider{
		EntityID:    SPEntityID(baseURL, settings.IdPID),
		IDPMetadata: idpMetadata,
		AcsURL:      *acsURL,
		MetadataURL: *metadataURL,
	}

	if settings.SignAuthnRequests && settings.SPKey() != nil {
		sp.Key = settings.SPKey()
		sp.Certificate = settings.SPCert()
		sp.SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	}

	return &Client{
		idpID:    settings.IdPID,
		settings: settings,
		sp:       sp,
		idpCerts: []*x509.Certificate{idpCert},
	}, nil
}

// EntityID returns the SP entity id this client presents to the IdP
func (c *Client) EntityID() string {
	return c.sp.EntityID
}

// ACSURL returns this client's assertion consumer endpoint
func (c *Client) ACSURL() string {
	return c.sp.AcsURL.String()
}

// IdPCertificates returns the IdP signing certificates for verification
func (c *Client) IdPCertificates() []*x509.Certificate {
	return c.idpCerts
}

// SPKey returns the SP private key, or nil when request signing is off
func (c *Client) SPKey() *rsa.PrivateKey {
	return c.settings.SPKey()
}

// AuthnRequestRedirect builds the redirect-binding AuthnRequest carrying
// the caller's request id and returns the IdP URL to send the browser to.
func (c *Client) AuthnRequestRedirect(requestID, relayState string) (*url.URL, error) {
	authnRequest, err := c.sp.MakeAuthenticationRequest(
		c.settings.IdPSSOURL,
		saml.HTTPRedirectBinding,
		saml.HTTPPostBinding,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthnRequest: %w", err)
	}

	// The correlator owns request id generation; override the library's
	authnRequest.ID = requestID

	if c.settings.NameIDFormat != "" {
		format := c.settings.NameIDFormat
		authnRequest.NameIDPolicy = &saml.NameIDPolicy{
			Format: &format,
		}
	}

	redirectURL, err := authnRequest.Redirect(relayState, c.sp)
	if err != nil {
		return nil, fmt.Errorf("failed to generate redirect URL: %w", err)
	}
	return redirectURL, nil
}

// Metadata renders the SP metadata document for this IdP
func (c *Client) Metadata() ([]byte, error) {
	metadata := c.sp.Metadata()

	xmlData, err := xml.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return append([]byte(xml.Header), xmlData...), nil
}

func parseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		// Try raw base64 DER
		certBytes, err := base64.StdEncoding.DecodeString(certPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to decode certificate")
		}
		return x509.ParseCertificate(certBytes)
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePrivateKey(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	// Try PKCS#8 first
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("private key is not RSA")
	}

	// Try PKCS#1
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
