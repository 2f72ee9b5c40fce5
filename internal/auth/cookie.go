package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// SessionCookieName identifies the browser session the SAML flow is bound to
const SessionCookieName = "samlauth_session"

// GetCookieDomain extracts the domain from the request host for cookie setting
func GetCookieDomain(host string) string {
	if colonIndex := strings.Index(host, ":"); colonIndex != -1 {
		host = host[:colonIndex]
	}

	// For development environments, don't set domain
	if host == "localhost" || host == "127.0.0.1" {
		return ""
	}

	return host
}

// GetOrCreateSessionID returns the browser session id from the session
// cookie, creating and setting a fresh one when absent
func GetOrCreateSessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if _, err := uuid.Parse(cookie.Value); err == nil {
			return cookie.Value
		}
		debug.Warning("Discarding malformed session cookie")
	}

	sessionID := uuid.New().String()
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	}
	if domain := GetCookieDomain(r.Host); domain != "" {
		cookie.Domain = domain
	}
	http.SetCookie(w, cookie)

	debug.Debug("Issued new session cookie")
	return sessionID
}

// SessionID returns the browser session id without creating one
func SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return "", false
	}
	return cookie.Value, true
}

// GetClientInfo extracts client IP address and User-Agent from request
func GetClientInfo(r *http.Request) (ipAddress string, userAgent string) {
	ipAddress = r.Header.Get("X-Forwarded-For")
	if ipAddress != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		if idx := strings.Index(ipAddress, ","); idx != -1 {
			ipAddress = strings.TrimSpace(ipAddress[:idx])
		}
	}

	if ipAddress == "" {
		ipAddress = r.Header.Get("X-Real-IP")
	}

	if ipAddress == "" {
		ipAddress = r.RemoteAddr
		if idx := strings.LastIndex(ipAddress, ":"); idx != -1 {
			ipAddress = ipAddress[:idx]
		}
	}

	userAgent = r.Header.Get("User-Agent")
	if userAgent == "" {
		userAgent = "Unknown"
	}

	return ipAddress, userAgent
}

// GetClientIP extracts only the client IP address from request
func GetClientIP(r *http.Request) string {
	ipAddress, _ := GetClientInfo(r)
	return ipAddress
}
