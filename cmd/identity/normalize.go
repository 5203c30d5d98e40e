package identity

import (
	"crypto/x509"
	"encoding/pem"
	"regexp"
	"strings"

	"courier/cmd/internal/apperr"
)

const publicKeyHeader = "-----BEGIN PUBLIC KEY-----"

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail trims surrounding whitespace. Case is kept as typed: email
// uniqueness is case-sensitive as stored.
func NormalizeEmail(s string) string {
	return strings.TrimSpace(s)
}

// ValidateEmail checks the basic local@domain.tld shape.
func ValidateEmail(email string) error {
	if email == "" {
		return apperr.Validation("identity.ValidateEmail", "email is required")
	}
	if len(email) > 320 || !emailRe.MatchString(email) {
		return apperr.Validation("identity.ValidateEmail", "invalid email format")
	}
	return nil
}

// ValidatePublicKey checks that pemText is a PEM "PUBLIC KEY" block holding a
// PKIX-encoded public key. Private keys are rejected by the header check.
func ValidatePublicKey(pemText string) error {
	const op = "identity.ValidatePublicKey"

	pemText = strings.TrimSpace(pemText)
	if pemText == "" {
		return apperr.Validation(op, "public key is required")
	}
	if !strings.HasPrefix(pemText, publicKeyHeader) {
		return apperr.Validation(op, "public key must be PEM encoded")
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "PUBLIC KEY" {
		return apperr.Validation(op, "public key must be PEM encoded")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return apperr.Validation(op, "public key is not a valid PKIX key")
	}
	return nil
}
