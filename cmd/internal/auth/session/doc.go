// Package session issues, rotates and revokes credential pairs.
//
// Access and refresh tokens are HS256 JWTs signed with two independent
// secrets. Only SHA-256 (or HMAC-SHA256) digests of the tokens are stored.
// A refresh rewrites exactly one session row in a single statement, matched
// by the digest of the presented refresh token, so a token whose row was
// already rotated can never be replayed and concurrent refreshes of the same
// token yield one winner.
package session
