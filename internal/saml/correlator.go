package saml

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/jbenholt/drupal-samlauth/internal/session"
)

// Correlator binds an outbound AuthnRequest id to the browser session so
// the inbound Response can be matched and single-used.
type Correlator struct {
	sessions session.Store
}

func NewCorrelator(sessions session.Store) *Correlator {
	return &Correlator{sessions: sessions}
}

// BeginRequest generates a fresh unpredictable request id, stores it as the
// session's pending request, and returns it for embedding in the
// AuthnRequest. A previous pending id for the session is overwritten.
func (c *Correlator) BeginRequest(ctx context.Context, sessionID string) (string, error) {
	requestID := fmt.Sprintf("id-%s", generateID())
	if err := c.sessions.Set(ctx, sessionID, session.KeyRequestID, requestID); err != nil {
		return "", fmt.Errorf("failed to store pending request id: %w", err)
	}
	return requestID, nil
}

// TakePendingRequestID reads and clears the session's pending request id.
// Single use: a second call returns ("", false), so a Response can never be
// replayed against an already-consumed request.
func (c *Correlator) TakePendingRequestID(ctx context.Context, sessionID string) (string, bool, error) {
	return c.sessions.Take(ctx, sessionID, session.KeyRequestID)
}

func generateID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}
