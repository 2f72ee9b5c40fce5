package saml

import (
	"net/url"
	"strings"
)

// ExtractRelayPath parses an untrusted RelayState value into a safe local
// redirect target. The result is always path[?query][#fragment] with any
// scheme and host stripped, so a crafted RelayState can never redirect the
// browser off-site. Returns ("", false) for malformed input or input with
// no path component; callers fall back to a default destination.
func ExtractRelayPath(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if ref.Path == "" {
		return "", false
	}
	// A reference has at most one fragment delimiter; a '#' surviving
	// inside the parsed fragment means the input was not a URL.
	if strings.Contains(ref.Fragment, "#") {
		return "", false
	}

	var b strings.Builder
	b.WriteString(ref.Path)
	if ref.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(ref.RawQuery)
	}
	if ref.Fragment != "" {
		b.WriteString("#")
		b.WriteString(ref.Fragment)
	}
	return b.String(), true
}
