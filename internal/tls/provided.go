package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// Config points at operator-provided certificate material on disk. The cert
// file may carry the full chain, leaf first.
type Config struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether TLS serving is configured at all
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Load reads and validates the certificate pair and returns the server TLS
// configuration.
func Load(cfg Config) (*tls.Config, error) {
	debug.Debug("Loading server certificate from: %s", cfg.CertFile)

	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read server certificate: %w", err)
	}

	chain, err := parseCertificateChain(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no valid certificates found in %s", cfg.CertFile)
	}

	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate and key pair: %w", err)
	}
	tlsCert.Leaf, err = x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}

	leaf := chain[0]
	debug.Info("Loaded %d certificate(s) from chain", len(chain))
	debug.Info("Server certificate subject: %s", leaf.Subject.String())
	debug.Info("Server certificate validity: %s to %s",
		leaf.NotBefore.Format("2006-01-02"),
		leaf.NotAfter.Format("2006-01-02"))

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}, nil
}

// parseCertificateChain parses all certificates from PEM data
func parseCertificateChain(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	var block *pem.Block

	for {
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	return certs, nil
}
