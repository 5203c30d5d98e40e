// Package password is the credential hasher used for User and Owner accounts.
//
// Passwords are hashed with Argon2id into a PHC-like encoded string and are
// checked against a composition policy before hashing. Encoded hashes are
// treated as untrusted input during Verify: parameters far above the
// configured ones are refused.
package password
