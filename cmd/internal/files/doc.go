// Package files is the encrypted-file lifecycle engine.
//
// The server never sees plaintext. An upload is an opaque envelope:
// ciphertext plus the IV, authentication tag and wrapped symmetric key the
// client produced. Envelopes are addressed to exactly one owner, who may
// retrieve one as often as needed and then destroy it. Destruction is the
// only mutating transition; it is terminal and wipes the payload.
//
// When the primary store cannot be reached during an upload, the envelope
// is written to a Fallback backend in a pending-import state and a
// Reconciler later moves it into the primary store.
package files
