package app

import (
	"errors"
	"fmt"

	"courier/cmd/internal/auth/session"
	"courier/cmd/security/token"
)

// ValidateSecurityConfig fails startup on weak signing secrets or a missing
// HMAC key when HMAC digests are required. Nothing falls back to weaker
// settings at runtime.
func ValidateSecurityConfig(cfg Config, sess session.Config) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("security policy: %w", err)
	}

	if !cfg.RequireTokenHMAC {
		return nil
	}
	if _, err := token.HMACKeyFromEnv(session.MinSecretBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: COURIER_REQUIRE_TOKEN_HMAC=true but COURIER_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: COURIER_REQUIRE_TOKEN_HMAC=true but COURIER_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}
