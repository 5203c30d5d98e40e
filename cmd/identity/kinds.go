package identity

// Role is fixed when a principal is created and embedded in every token
// issued to it.
type Role string

const (
	RoleUser  Role = "user"
	RoleOwner Role = "owner"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r == RoleUser || r == RoleOwner }

func (r Role) String() string { return string(r) }

// table returns the principal table for r.
func (r Role) table() string {
	if r == RoleOwner {
		return "owners"
	}
	return "users"
}
