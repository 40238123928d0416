package logging

import (
	"regexp"
	"strings"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Matches password=xxx, pwd=xxx, pass=xxx in connection strings and
	// connector error messages (until the next delimiter).
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches bearer tokens (HubSpot private-app tokens, OAuth access tokens).
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_.~+/]+`)

	// Matches API keys passed as query or form parameters.
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?token|client[_-]?secret)=[A-Za-z0-9-_.]{8,}`)

	// Matches user:pass@host credentials embedded in URLs.
	urlCredsPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// secretConfigKeys are connection-config keys whose values must never be
// logged or returned to the UI.
var secretConfigKeys = map[string]struct{}{
	"password":      {},
	"api_key":       {},
	"access_token":  {},
	"client_secret": {},
	"refresh_token": {},
}

// IsSecretKey reports whether a connection-config key holds a credential.
func IsSecretKey(key string) bool {
	_, ok := secretConfigKeys[strings.ToLower(key)]
	return ok
}

// SanitizeMessage removes credentials from a message before logging.
// Connector errors often echo back the request URL or auth header.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(msg, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	return sanitized
}

// SanitizeError sanitizes an error's message for logging.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// RedactConfig returns a copy of a connection config with secret values
// replaced, suitable for GET /api/connections responses and log fields.
func RedactConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	redacted := make(map[string]any, len(config))
	for k, v := range config {
		if IsSecretKey(k) {
			if s, ok := v.(string); !ok || s != "" {
				redacted[k] = RedactedText
			} else {
				redacted[k] = ""
			}
			continue
		}
		redacted[k] = v
	}
	return redacted
}
