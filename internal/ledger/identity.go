package ledger

import (
	"regexp"
	"strings"
)

var commonName = regexp.MustCompile(`CN=([^/,]+)`)

// DisplayName turns a ledger client identity of the form
// x509::<SUBJECT>::<ISSUER> into the subject's common name. Other values are
// returned unchanged, and an identity without a CN returns the raw string.
func DisplayName(id string) string {
	if !strings.HasPrefix(id, "x509::") {
		return id
	}
	parts := strings.Split(id, "::")
	if len(parts) < 2 {
		return id
	}
	m := commonName.FindStringSubmatch(parts[1])
	if m == nil {
		return id
	}
	return strings.TrimSpace(m[1])
}
