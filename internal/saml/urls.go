package saml

import "strings"

// SP endpoint URLs are derived deterministically from the base URL and the
// IdP's machine name, so they can be rebuilt anywhere without storage.

func SPEntityID(baseURL, idpID string) string {
	return strings.TrimRight(baseURL, "/") + "/saml/" + idpID
}

func ACSURL(baseURL, idpID string) string {
	return SPEntityID(baseURL, idpID) + "/consume"
}

func MetadataURL(baseURL, idpID string) string {
	return SPEntityID(baseURL, idpID) + "/metadata.xml"
}
