package token

import "errors"

var (
	// ErrHMACKeyMissing means COURIER_TOKEN_HMAC_KEY is unset or blank.
	ErrHMACKeyMissing = errors.New("token: hmac key missing")
	// ErrHMACKeyTooShort means the key is shorter than the caller's minimum.
	ErrHMACKeyTooShort = errors.New("token: hmac key too short")
)
