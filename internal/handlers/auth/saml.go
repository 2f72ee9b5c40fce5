package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	sharedAuth "github.com/jbenholt/drupal-samlauth/internal/auth"
	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// defaultPostLoginPath is where the browser lands when RelayState is
// absent or unusable
const defaultPostLoginPath = "/"

// LoginAuditor records the outcome of every login attempt. Satisfied by
// repository.UserRepository.
type LoginAuditor interface {
	RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error
}

// SAMLHandler handles the SP side of the SAML login flow
type SAMLHandler struct {
	manager *saml.Manager
	audit   LoginAuditor
}

// NewSAMLHandler creates a new SAML handler
func NewSAMLHandler(manager *saml.Manager, audit LoginAuditor) *SAMLHandler {
	return &SAMLHandler{manager: manager, audit: audit}
}

// Login starts the flow: issues an AuthnRequest for the IdP in the path
// and redirects the browser to the IdP's SSO endpoint.
func (h *SAMLHandler) Login(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]
	sessionID := sharedAuth.GetOrCreateSessionID(w, r)

	relayState := r.URL.Query().Get("RelayState")

	redirectURL, err := h.manager.BeginLogin(r.Context(), sessionID, idpID, relayState)
	if err != nil {
		if rejection, ok := saml.AsRejection(err); ok {
			debug.Warning("SAML login refused for IdP %s: %s", idpID, rejection.Kind)
			http.Error(w, "Authentication is not available", http.StatusNotFound)
			return
		}
		debug.Error("Failed to start SAML login for IdP %s: %v", idpID, err)
		http.Error(w, "Failed to initiate authentication", http.StatusInternalServerError)
		return
	}

	debug.Info("Redirecting to IdP %s", idpID)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Consume is the Assertion Consumer Service: it runs the full validation
// and identity-resolution pipeline over the POSTed SAML response and, on
// success, redirects to the RelayState path. Failures answer with a
// generic message; the specific rejection kind goes to the log and the
// audit trail only.
func (h *SAMLHandler) Consume(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]
	sessionID := sharedAuth.GetOrCreateSessionID(w, r)

	if err := r.ParseForm(); err != nil {
		debug.Warning("Failed to parse ACS form for IdP %s: %v", idpID, err)
		h.loginFailed(w, r, idpID, "malformed_request")
		return
	}

	samlResponse := r.PostFormValue("SAMLResponse")
	if samlResponse == "" {
		debug.Warning("Missing SAMLResponse for IdP %s", idpID)
		h.loginFailed(w, r, idpID, "missing_saml_response")
		return
	}

	user, _, err := h.manager.ConsumeResponse(r.Context(), sessionID, idpID, samlResponse)
	if err != nil {
		if rejection, ok := saml.AsRejection(err); ok {
			debug.Warning("SAML login rejected for IdP %s: %v", idpID, rejection)
			h.loginFailed(w, r, idpID, string(rejection.Kind))
			return
		}
		debug.Error("SAML login failed for IdP %s: %v", idpID, err)
		h.loginFailed(w, r, idpID, "internal_error")
		return
	}

	h.recordAttempt(r, &user.ID, idpID, true, "")

	// RelayState from the query string wins over the form body
	relayState := r.URL.Query().Get("RelayState")
	if relayState == "" {
		relayState = r.PostFormValue("RelayState")
	}
	target, ok := saml.ExtractRelayPath(relayState)
	if !ok {
		target = defaultPostLoginPath
	}

	debug.Info("SAML login succeeded for user %s, redirecting to %s", user.Username, target)
	http.Redirect(w, r, target, http.StatusFound)
}

// Metadata serves the SP metadata document for the IdP in the path
func (h *SAMLHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]

	metadata, err := h.manager.Metadata(r.Context(), idpID)
	if err != nil {
		if rejection, ok := saml.AsRejection(err); ok {
			debug.Warning("Metadata refused for IdP %s: %s", idpID, rejection.Kind)
			http.Error(w, "Unknown identity provider", http.StatusNotFound)
			return
		}
		debug.Error("Failed to generate metadata for IdP %s: %v", idpID, err)
		http.Error(w, "Failed to generate metadata", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write(metadata)
}

// loginFailed records the audit row and answers with a generic failure.
// The rejection kind never reaches the browser.
func (h *SAMLHandler) loginFailed(w http.ResponseWriter, r *http.Request, idpID, reason string) {
	h.recordAttempt(r, nil, idpID, false, reason)
	http.Error(w, "Authentication failed", http.StatusForbidden)
}

func (h *SAMLHandler) recordAttempt(r *http.Request, userID *uuid.UUID, idpID string, success bool, failureReason string) {
	ipAddress, userAgent := sharedAuth.GetClientInfo(r)
	if err := h.audit.RecordLoginAttempt(r.Context(), &models.LoginAttempt{
		UserID:        userID,
		IdPID:         idpID,
		IPAddress:     ipAddress,
		UserAgent:     userAgent,
		Success:       success,
		FailureReason: failureReason,
	}); err != nil {
		debug.Error("Failed to record login attempt: %v", err)
	}
}
