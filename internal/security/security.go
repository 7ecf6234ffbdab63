// Package security masks credentials and validates user input.
package security

import (
	"net/url"
	"regexp"
	"strings"

	apperrors "fno-scanner/internal/errors"
)

var (
	// NSE symbols: uppercase letters, digits, & and -
	symbolPattern = regexp.MustCompile(`^[A-Z0-9&-]{1,20}$`)

	// key=value or key: value pairs carrying secrets
	secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|enctoken|password)(\s*[=:]\s*)["']?([^\s"'&]+)["']?`)
)

// ValidateSymbol normalizes symbol and rejects anything that is not an exchange symbol.
func ValidateSymbol(symbol string) (string, error) {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))
	if symbol == "" {
		return "", apperrors.NewValidationError("symbol", symbol, "symbol cannot be empty")
	}
	if !symbolPattern.MatchString(symbol) {
		return "", apperrors.NewValidationError("symbol", symbol, "invalid symbol format")
	}
	return symbol, nil
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskSensitive masks secret values in key=value text.
func MaskSensitive(input string) string {
	return secretPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := secretPattern.FindStringSubmatch(match)
		return parts[1] + parts[2] + MaskCredential(parts[3])
	})
}

// MaskDSN hides the password of a Postgres URL or keyword DSN.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	return MaskSensitive(dsn)
}
