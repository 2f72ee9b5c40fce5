package saml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/crewjam/saml/xmlenc"
	xrv "github.com/mattermost/xml-roundtrip-validator"

	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// Validator turns an untrusted POST-bound SAML Response into a
// ValidatedAssertion or a Rejection. One Validator serves one IdP.
type Validator struct {
	settings   *Settings
	spEntityID string
	acsURL     string
	verifier   SignatureVerifier
	now        func() time.Time
}

// NewValidator builds a validator for one IdP. now may be nil, defaulting
// to time.Now.
func NewValidator(settings *Settings, spEntityID, acsURL string, verifier SignatureVerifier, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{
		settings:   settings,
		spEntityID: spEntityID,
		acsURL:     acsURL,
		verifier:   verifier,
		now:        now,
	}
}

// Validate runs the full validation sequence over a base64-encoded SAML
// Response. pendingRequestID is the id taken from the session correlator;
// empty means no flow is in progress and the response is rejected. The
// first failing check short-circuits; a rejected response never yields
// claims.
func (v *Validator) Validate(samlResponse, pendingRequestID string) (*ValidatedAssertion, error) {
	if !v.settings.Configured() {
		return nil, rejectf(RejectNotConfigured, "IdP %s is not configured", v.settings.IdPID)
	}

	responseXML, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return nil, rejectErr(RejectMalformedResponse, "invalid base64 encoding", err)
	}

	// Round-trip validation guards against XML that encoding/xml and the
	// signature library would read differently.
	if err := xrv.Validate(bytes.NewReader(responseXML)); err != nil {
		return nil, rejectErr(RejectMalformedResponse, "XML round-trip validation failed", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(responseXML); err != nil {
		return nil, rejectErr(RejectMalformedResponse, "failed to parse response XML", err)
	}
	responseEl := doc.Root()
	if responseEl == nil || responseEl.Tag != "Response" {
		return nil, rejectf(RejectMalformedResponse, "document root is not a Response element")
	}

	var response saml.Response
	if err := xml.Unmarshal(responseXML, &response); err != nil {
		return nil, rejectErr(RejectMalformedResponse, "failed to unmarshal response", err)
	}

	if response.Status.StatusCode.Value != saml.StatusSuccess {
		return nil, rejectf(RejectResponseStatus, "IdP reported status %s", response.Status.StatusCode.Value)
	}

	if response.Destination != "" && response.Destination != v.acsURL {
		return nil, rejectf(RejectDestinationMismatch, "destination %s does not match ACS URL %s", response.Destination, v.acsURL)
	}

	// Correlation before signatures: a response for a flow we never
	// started is rejected no matter how well it is signed.
	if pendingRequestID == "" {
		return nil, rejectf(RejectCorrelationMismatch, "no login flow in progress")
	}
	if response.InResponseTo != pendingRequestID {
		return nil, rejectf(RejectCorrelationMismatch, "InResponseTo %s does not match pending request %s", response.InResponseTo, pendingRequestID)
	}

	verifiedEl, err := v.checkResponseSignature(responseEl)
	if err != nil {
		return nil, err
	}
	if verifiedEl != responseEl {
		// Trust only what the signature covered from here on
		responseEl = verifiedEl
		response = saml.Response{}
		if err := unmarshalElement(responseEl, &response); err != nil {
			return nil, rejectErr(RejectMalformedResponse, "failed to read verified response", err)
		}
	}

	assertion, assertionEl, err := v.obtainAssertion(&response, responseEl)
	if err != nil {
		return nil, err
	}

	verifiedAssertionEl, err := v.checkAssertionSignature(assertionEl)
	if err != nil {
		return nil, err
	}
	if verifiedAssertionEl != assertionEl {
		verified := &saml.Assertion{}
		if err := unmarshalElement(verifiedAssertionEl, verified); err != nil {
			return nil, rejectErr(RejectMalformedResponse, "failed to read verified assertion", err)
		}
		assertion = verified
	}

	if err := v.checkTimeWindow(assertion, pendingRequestID); err != nil {
		return nil, err
	}

	if err := v.checkAudience(assertion); err != nil {
		return nil, err
	}

	if assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, rejectf(RejectMalformedResponse, "assertion carries no NameID")
	}

	debug.Debug("Validated SAML response %s for IdP %s", response.ID, v.settings.IdPID)

	return &ValidatedAssertion{
		NameID:     assertion.Subject.NameID.Value,
		Attributes: extractAttributes(assertion),
		IdPID:      v.settings.IdPID,
	}, nil
}

// checkResponseSignature enforces the message-level signature policy. A
// required signature that is absent is a hard rejection, and a present
// signature is always verified even when not required. Returns the element
// the verifier vouched for, or the input unchanged when no signature was
// present.
func (v *Validator) checkResponseSignature(responseEl *etree.Element) (*etree.Element, error) {
	signed := hasSignature(responseEl)

	if v.settings.RequireSignedMessages && !signed {
		return nil, rejectf(RejectSignatureInvalid, "response signature required but absent")
	}
	if !signed {
		return responseEl, nil
	}

	verified, err := v.verifier.Verify(responseEl)
	if err != nil {
		return nil, rejectErr(RejectSignatureInvalid, "response signature invalid", err)
	}
	return verified, nil
}

// obtainAssertion applies the encryption policy and returns the assertion
// both parsed and as the element the signature check runs against.
func (v *Validator) obtainAssertion(response *saml.Response, responseEl *etree.Element) (*saml.Assertion, *etree.Element, error) {
	encryptedEl := responseEl.FindElement("./EncryptedAssertion")

	if v.settings.RequireEncryptedAssertions && encryptedEl == nil {
		return nil, nil, rejectf(RejectEncryptionRequired, "encrypted assertion required but response carries a plaintext assertion")
	}

	if encryptedEl != nil {
		if v.settings.SPKey() == nil {
			return nil, nil, rejectf(RejectDecryptionFailed, "encrypted assertion received but no SP private key is configured")
		}
		assertion, assertionEl, err := decryptAssertion(v.settings.SPKey(), encryptedEl)
		if err != nil {
			return nil, nil, rejectErr(RejectDecryptionFailed, "failed to decrypt assertion", err)
		}
		return assertion, assertionEl, nil
	}

	// The assertion element usually inherits namespace declarations from
	// the response root, so it cannot be re-serialized and parsed on its
	// own; the parsed form comes from the response unmarshal.
	assertionEl := responseEl.FindElement("./Assertion")
	if assertionEl == nil || response.Assertion == nil {
		return nil, nil, rejectf(RejectMalformedResponse, "no assertion found in response")
	}
	return response.Assertion, assertionEl, nil
}

// checkAssertionSignature enforces the assertion-level signature policy.
// The signed-NameID requirement is satisfied by a valid signature over the
// assertion element carrying the subject, independent of the message-level
// signature. Returns the element the verifier vouched for, or the input
// unchanged when no signature was present.
func (v *Validator) checkAssertionSignature(assertionEl *etree.Element) (*etree.Element, error) {
	required := v.settings.RequireSignedAssertions || v.settings.RequireSignedNameID
	signed := hasSignature(assertionEl)

	if required && !signed {
		return nil, rejectf(RejectSignatureInvalid, "assertion signature required but absent")
	}
	if !signed {
		return assertionEl, nil
	}

	verified, err := v.verifier.Verify(assertionEl)
	if err != nil {
		return nil, rejectErr(RejectSignatureInvalid, "assertion signature invalid", err)
	}
	return verified, nil
}

func (v *Validator) checkTimeWindow(assertion *saml.Assertion, pendingRequestID string) error {
	now := v.now()
	skew := v.settings.ClockSkew

	if assertion.Conditions != nil {
		notBefore := assertion.Conditions.NotBefore
		if !notBefore.IsZero() && now.Add(skew).Before(notBefore) {
			return rejectf(RejectAssertionExpired, "assertion not valid before %s", notBefore.Format(time.RFC3339))
		}
		notOnOrAfter := assertion.Conditions.NotOnOrAfter
		if !notOnOrAfter.IsZero() && !now.Add(-skew).Before(notOnOrAfter) {
			return rejectf(RejectAssertionExpired, "assertion expired at %s", notOnOrAfter.Format(time.RFC3339))
		}
	}

	if assertion.Subject != nil {
		for _, confirmation := range assertion.Subject.SubjectConfirmations {
			// SubjectConfirmationData is optional; a bare bearer
			// confirmation carries none
			data := confirmation.SubjectConfirmationData
			if data == nil {
				continue
			}
			if data.InResponseTo != "" && data.InResponseTo != pendingRequestID {
				return rejectf(RejectCorrelationMismatch, "subject confirmation InResponseTo %s does not match pending request", data.InResponseTo)
			}
			if !data.NotOnOrAfter.IsZero() && !now.Add(-skew).Before(data.NotOnOrAfter) {
				return rejectf(RejectAssertionExpired, "subject confirmation expired at %s", data.NotOnOrAfter.Format(time.RFC3339))
			}
		}
	}
	return nil
}

func (v *Validator) checkAudience(assertion *saml.Assertion) error {
	if assertion.Conditions == nil || len(assertion.Conditions.AudienceRestrictions) == 0 {
		return nil
	}
	for _, restriction := range assertion.Conditions.AudienceRestrictions {
		if restriction.Audience.Value == v.spEntityID {
			return nil
		}
	}
	return rejectf(RejectAudienceMismatch, "assertion audience does not include SP entity id %s", v.spEntityID)
}

// decryptAssertion decrypts an EncryptedAssertion element with the SP key
// and parses the plaintext.
func decryptAssertion(key interface{}, encryptedEl *etree.Element) (*saml.Assertion, *etree.Element, error) {
	encryptedDataEl := encryptedEl.FindElement("./EncryptedData")
	if encryptedDataEl == nil {
		encryptedDataEl = encryptedEl.FindElement(".//EncryptedData")
	}
	if encryptedDataEl == nil {
		return nil, nil, fmt.Errorf("EncryptedData element not found in EncryptedAssertion")
	}

	// The session key may sit beside the data or inside its KeyInfo
	keyEl := encryptedEl.FindElement("./EncryptedKey")
	if keyEl == nil {
		keyEl = encryptedDataEl.FindElement(".//EncryptedKey")
	}
	if keyEl != nil {
		sessionKey, err := xmlenc.Decrypt(key, keyEl)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt session key: %w", err)
		}
		key = sessionKey
	}

	plaintext, err := xmlenc.Decrypt(key, encryptedDataEl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt assertion data: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(plaintext); err != nil {
		return nil, nil, fmt.Errorf("failed to parse decrypted assertion XML: %w", err)
	}
	assertionEl := doc.Root()
	if assertionEl == nil {
		return nil, nil, fmt.Errorf("decrypted assertion is empty")
	}

	// The plaintext is a standalone document, so it parses on its own
	var assertion saml.Assertion
	if err := xml.Unmarshal(plaintext, &assertion); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal decrypted assertion: %w", err)
	}
	return &assertion, assertionEl, nil
}

// unmarshalElement re-parses an element returned by signature verification.
// Canonicalization declares every in-scope namespace on the element itself,
// so serializing the subtree alone is safe here, unlike for an element
// plucked out of the response document.
func unmarshalElement(el *etree.Element, out interface{}) error {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	data, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize element: %w", err)
	}
	return xml.Unmarshal(data, out)
}
