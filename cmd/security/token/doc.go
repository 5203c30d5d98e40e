// Package token provides the one-way digest used to store issued tokens.
//
// Raw access and refresh tokens are never persisted. Only their digest is
// stored and used for lookups:
// - SHA-256(token) when no HMAC key is configured.
// - HMAC-SHA256(token, key) when COURIER_TOKEN_HMAC_KEY is set.
//
// Both modes produce a stable 64-char lower-case hex string.
package token
