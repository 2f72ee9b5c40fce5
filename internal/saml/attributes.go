package saml

import "github.com/crewjam/saml"

// Attributes maps an attribute name to its ordered values. Both the formal
// Name and the FriendlyName of each asserted attribute are indexed, so
// either can be used in the mapping configuration.
type Attributes map[string][]string

// Get returns all values for an attribute, in assertion order
func (a Attributes) Get(name string) []string {
	return a[name]
}

// First returns the first value for an attribute, or "" when absent
func (a Attributes) First(name string) string {
	if values := a[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// ValidatedAssertion is the transient result of successful validation.
// It is consumed immediately by identity resolution and never persisted.
type ValidatedAssertion struct {
	NameID     string
	Attributes Attributes
	IdPID      string
}

func extractAttributes(assertion *saml.Assertion) Attributes {
	attrs := make(Attributes)
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			values := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			if attr.Name != "" {
				attrs[attr.Name] = append(attrs[attr.Name], values...)
			}
			if attr.FriendlyName != "" && attr.FriendlyName != attr.Name {
				attrs[attr.FriendlyName] = append(attrs[attr.FriendlyName], values...)
			}
		}
	}
	return attrs
}
