package connectors

import (
	"fmt"
	"net/url"
	"strings"
)

// Path suffixes users paste from their browser that must be stripped before
// the connector builds request URLs against the instance root.
var strippedSuffixes = []string{
	"/web/login",
	"/web",
	"/odoo",
	"/jsonrpc",
	"/xmlrpc/2",
	"/xmlrpc",
}

// NormalizeInstanceURL canonicalizes a user-supplied instance URL: adds a
// https scheme when missing, strips known UI/RPC path suffixes and trailing
// slashes. Returns an error for values that do not parse as a URL at all.
func NormalizeInstanceURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("instance URL is empty")
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid instance URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid instance URL %q: missing host", raw)
	}

	path := strings.TrimRight(u.Path, "/")
	for changed := true; changed; {
		changed = false
		for _, suffix := range strippedSuffixes {
			if strings.HasSuffix(path, suffix) {
				path = strings.TrimSuffix(path, suffix)
				path = strings.TrimRight(path, "/")
				changed = true
			}
		}
	}

	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
