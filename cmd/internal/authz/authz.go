// Package authz is the single authorization predicate applied before every
// file operation and session-scoped read, plus the HTTP middleware that
// authenticates bearer tokens and puts the verified claims on the context.
package authz

import (
	"slices"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/auth/session"
)

// Authorize decides whether claims may act on a resource owned by
// resourceOwnerID. It returns nil to allow, or an error whose kind is the deny
// reason:
//
//   - apperr.ErrUnauthenticated: no verified claims
//   - apperr.ErrInsufficientRole: role not in required (an empty required
//     list admits every role)
//   - apperr.ErrNotOwner: the caller is an owner and resourceOwnerID names a
//     different owner
//
// resourceOwnerID may be empty when the operation has no single resource.
func Authorize(claims *session.Claims, required []identity.Role, resourceOwnerID string) error {
	const op = "authz.Authorize"

	if claims == nil || claims.Subject == "" || claims.Role == "" {
		return apperr.New(op, apperr.ErrUnauthenticated, "authentication required")
	}
	if len(required) > 0 && !slices.Contains(required, claims.Role) {
		return apperr.New(op, apperr.ErrInsufficientRole, "role not permitted for this operation")
	}
	if claims.Role == identity.RoleOwner && resourceOwnerID != "" && resourceOwnerID != claims.Subject {
		return apperr.New(op, apperr.ErrNotOwner, "not the owner of this resource")
	}
	return nil
}
