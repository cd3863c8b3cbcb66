// README: Shared identifiers, coordinates and the caller principal.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

type Point struct {
	Lat float64
	Lng float64
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDriver  Role = "driver"
)

// Principal is the authenticated caller, resolved by the identity layer
// before any service method runs.
type Principal struct {
	UserID ID
	Role   Role
}

func (p Principal) Is(r Role) bool {
	return p.UserID != "" && p.Role == r
}
