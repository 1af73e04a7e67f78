package log

import (
	"strings"
)

// SanitizeField checks if the key contains sensitive keywords and sanitizes the value
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	// Convert key to lowercase for case-insensitive matching
	lowerKey := strings.ToLower(key)

	// DSNs carry credentials inline, mask them but keep host/database visible
	if strings.Contains(lowerKey, "dsn") || strings.Contains(lowerKey, "source") {
		return sanitizeDSN(value)
	}

	// Check if key contains sensitive keywords
	sensitiveKeywords := []string{
		"password", "passwd", "pwd",
		"api_key", "apikey", "api-key",
		"token", "access_token", "refresh_token",
		"secret", "auth", "authorization",
		"credential", "private_key", "privatekey",
	}

	isSensitive := false
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			isSensitive = true
			break
		}
	}

	// Sanitize sensitive fields
	if isSensitive {
		return sanitizeToken(value)
	}

	return value
}

// sanitizeToken masks token/password values showing only first 4 and last 4 characters
func sanitizeToken(value string) string {
	if len(value) <= 8 {
		// For short strings, mask everything except first and last char
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	// For longer strings, show first 4 and last 4
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeDSN masks the credential section of a MySQL-style DSN
// Input like user:password@tcp(host:3306)/db becomes user:****@tcp(host:3306)/db
func sanitizeDSN(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		// No credential section, nothing to hide
		return value
	}

	creds := value[:at]
	rest := value[at:]

	colon := strings.Index(creds, ":")
	if colon < 0 {
		// User only, no password
		return value
	}

	return creds[:colon] + ":****" + rest
}
