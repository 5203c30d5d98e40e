// Package identity models the two principal variants, users (uploaders) and
// owners (recipients holding an RSA public key), and persists them.
//
// Passwords reach this package already hashed; the policy and Argon2id
// hashing live in courier/cmd/security/password.
package identity
