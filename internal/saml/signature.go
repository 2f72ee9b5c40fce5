package saml

import (
	"crypto/x509"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// SignatureVerifier checks the enveloped XML-DSig signature on an element
// and returns the element the signature actually covered. Claims must be
// read from the returned element, not the input: a wrapped sibling that the
// signature never covered is cut away by canonicalization. The production
// implementation is goxmldsig against the IdP's configured certificates;
// tests substitute a stub.
type SignatureVerifier interface {
	Verify(el *etree.Element) (*etree.Element, error)
}

type xmldsigVerifier struct {
	certs []*x509.Certificate
}

// NewXMLDSigVerifier builds a verifier trusting the given certificates
func NewXMLDSigVerifier(certs []*x509.Certificate) SignatureVerifier {
	return &xmldsigVerifier{certs: certs}
}

func (v *xmldsigVerifier) Verify(el *etree.Element) (*etree.Element, error) {
	if len(v.certs) == 0 {
		return nil, fmt.Errorf("no IdP certificates available for signature verification")
	}

	store := &dsig.MemoryX509CertificateStore{Roots: v.certs}
	validationCtx := dsig.NewDefaultValidationContext(store)

	verified, err := validationCtx.Validate(el)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return verified, nil
}

// hasSignature reports whether an element carries a direct Signature child.
// etree matches the local tag name here, so the ds: prefix is irrelevant.
func hasSignature(el *etree.Element) bool {
	return el.FindElement("./Signature") != nil
}
