// README: Vehicle registry commands and listings.
package vehicle

import (
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type RegisterCommand struct {
	Operator types.Principal
	TypeID   types.ID
	Number   string
	Label    string
}

// UpdateCommand replaces a vehicle's type, number and label.
type UpdateCommand struct {
	Operator  types.Principal
	VehicleID types.ID
	TypeID    types.ID
	Number    string
	Label     string
}

type DeleteCommand struct {
	Operator  types.Principal
	VehicleID types.ID
}

// Listing is a vehicle with its availability flag. Free is nil when the vehicle
// has no availability row.
type Listing struct {
	Vehicle store.Vehicle
	Free    *bool
}
