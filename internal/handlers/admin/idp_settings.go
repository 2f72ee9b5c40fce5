package admin

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// SettingsStore is the persistence surface the admin API manages.
// Satisfied by repository.SettingsRepository.
type SettingsStore interface {
	GetIdPSettings(ctx context.Context, idpID string) (map[string]interface{}, error)
	SaveIdPSettings(ctx context.Context, idpID string, settings map[string]interface{}) error
	DeleteIdPSettings(ctx context.Context, idpID string) error
	ListIdPIDs(ctx context.Context) ([]string, error)
}

// IdPSettingsHandler handles IdP settings administration requests
type IdPSettingsHandler struct {
	store   SettingsStore
	manager *saml.Manager
	enc     *saml.EncryptionService
}

// NewIdPSettingsHandler creates a new IdP settings admin handler
func NewIdPSettingsHandler(store SettingsStore, manager *saml.Manager, enc *saml.EncryptionService) *IdPSettingsHandler {
	return &IdPSettingsHandler{store: store, manager: manager, enc: enc}
}

// ListIdPs returns the ids of every IdP with stored settings
func (h *IdPSettingsHandler) ListIdPs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListIdPIDs(r.Context())
	if err != nil {
		debug.Error("Failed to list IdPs: %v", err)
		http.Error(w, "Failed to list identity providers", http.StatusInternalServerError)
		return
	}

	// Ensure nil slice becomes empty array in JSON
	if ids == nil {
		ids = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"idps": ids,
	})
}

// GetIdPSettings returns the stored settings for one IdP, merged over the
// defaults. The encrypted SP private key is never returned.
func (h *IdPSettingsHandler) GetIdPSettings(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]

	stored, err := h.store.GetIdPSettings(r.Context(), idpID)
	if err != nil {
		debug.Error("Failed to get settings for IdP %s: %v", idpID, err)
		http.Error(w, "Failed to get settings", http.StatusInternalServerError)
		return
	}
	if stored == nil {
		http.Error(w, "Unknown identity provider", http.StatusNotFound)
		return
	}

	merged := saml.MergeSettings(saml.DefaultSettings(), stored)
	merged[saml.KeySPPrivateKey] = ""

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"idp_id":   idpID,
		"settings": merged,
	})
}

// UpdateIdPSettingsRequest is the update request body. Settings carries the
// canonical keys; unknown keys are dropped during the merge. SPPrivateKey
// is the plaintext PEM key and is encrypted before storage.
type UpdateIdPSettingsRequest struct {
	Settings     map[string]interface{} `json:"settings"`
	SPPrivateKey string                 `json:"sp_private_key,omitempty"`
}

// UpdateIdPSettings upserts the settings for an IdP and reloads its client.
// When request signing is turned on without key material, an SP key pair is
// generated on the spot.
func (h *IdPSettingsHandler) UpdateIdPSettings(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]
	ctx := r.Context()

	var req UpdateIdPSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		debug.Warning("Failed to decode settings update for IdP %s: %v", idpID, err)
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// Only canonical keys survive; the key column is managed below
	merged := saml.MergeSettings(saml.DefaultSettings(), req.Settings)
	delete(merged, saml.KeySPPrivateKey)

	if req.SPPrivateKey != "" {
		encrypted, err := h.enc.Encrypt(req.SPPrivateKey)
		if err != nil {
			debug.Error("Failed to encrypt SP key for IdP %s: %v", idpID, err)
			http.Error(w, "Failed to store SP key", http.StatusInternalServerError)
			return
		}
		merged[saml.KeySPPrivateKey] = encrypted
	} else if signOn, _ := merged[saml.KeySignAuthnRequests].(bool); signOn {
		existing, err := h.store.GetIdPSettings(ctx, idpID)
		if err != nil {
			debug.Error("Failed to read existing settings for IdP %s: %v", idpID, err)
			http.Error(w, "Failed to update settings", http.StatusInternalServerError)
			return
		}
		if key, _ := existing[saml.KeySPPrivateKey].(string); key == "" {
			keyPEM, certPEM, err := generateSPKeyPair(saml.SPEntityID(h.manager.BaseURL(), idpID))
			if err != nil {
				debug.Error("Failed to generate SP key pair for IdP %s: %v", idpID, err)
				http.Error(w, "Failed to generate SP key pair", http.StatusInternalServerError)
				return
			}
			encrypted, err := h.enc.Encrypt(keyPEM)
			if err != nil {
				debug.Error("Failed to encrypt generated SP key for IdP %s: %v", idpID, err)
				http.Error(w, "Failed to store SP key", http.StatusInternalServerError)
				return
			}
			merged[saml.KeySPPrivateKey] = encrypted
			merged[saml.KeySPCertificate] = certPEM
			debug.Info("Auto-generated SP key pair for IdP %s", idpID)
		}
	}

	if err := h.store.SaveIdPSettings(ctx, idpID, merged); err != nil {
		debug.Error("Failed to save settings for IdP %s: %v", idpID, err)
		http.Error(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}

	h.manager.Reload(idpID)

	debug.Info("Updated settings for IdP %s", idpID)
	merged[saml.KeySPPrivateKey] = ""
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"idp_id":   idpID,
		"settings": merged,
	})
}

// DeleteIdPSettings removes every stored setting for an IdP
func (h *IdPSettingsHandler) DeleteIdPSettings(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]

	if err := h.store.DeleteIdPSettings(r.Context(), idpID); err != nil {
		debug.Error("Failed to delete settings for IdP %s: %v", idpID, err)
		http.Error(w, "Failed to delete settings", http.StatusInternalServerError)
		return
	}

	h.manager.Reload(idpID)

	debug.Info("Deleted settings for IdP %s", idpID)
	w.WriteHeader(http.StatusNoContent)
}

// generateSPKeyPair generates an RSA key pair and self-signed certificate
// for SAML SP request signing
func generateSPKeyPair(commonName string) (privateKeyPEM, certificatePEM string, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0), // 10 years validity
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}

	privateKeyPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))
	certificatePEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}))

	return privateKeyPEM, certificatePEM, nil
}
