package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSpecialChars is the set a password must draw at least one character from.
const DefaultSpecialChars = "!@#$%^&*"

// Validate checks password policy. It does not mutate input.
func (c Config) Validate(password string) error {
	// Count characters (runes), not bytes, to be user-friendly.
	n := utf8.RuneCountInString(password)

	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}

	var violations []string
	if c.Policy.RequireUpper && !strings.ContainsFunc(password, unicode.IsUpper) {
		violations = append(violations, "must contain an uppercase letter")
	}
	if c.Policy.RequireLower && !strings.ContainsFunc(password, unicode.IsLower) {
		violations = append(violations, "must contain a lowercase letter")
	}
	if c.Policy.RequireDigit && !strings.ContainsFunc(password, unicode.IsDigit) {
		violations = append(violations, "must contain a digit")
	}
	if c.Policy.SpecialChars != "" && !strings.ContainsAny(password, c.Policy.SpecialChars) {
		violations = append(violations, "must contain one of "+c.Policy.SpecialChars)
	}
	if len(violations) > 0 {
		return PolicyError{Violations: violations}
	}

	return nil
}
