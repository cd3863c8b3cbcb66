// README: Trip commands and composite views.
package trip

import (
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type StartCommand struct {
	RequestID types.ID
	Operator  types.Principal
}

type EndCommand struct {
	TripID   types.ID
	Operator types.Principal
}

// EndResult is the closed trip with the payment created for it.
type EndResult struct {
	Trip    *store.Trip
	Payment *store.Payment
}

type DriverView struct {
	Profile store.DriverProfile
	User    *store.User
}

// Details is the read-only view of a trip and everything it references. Parts whose
// records are missing are left nil.
type Details struct {
	Trip      *store.Trip
	Request   *store.Request
	Pickup    *store.Location
	Dropoff   *store.Location
	Requester *store.User
	Driver    *DriverView
	Vehicle   *store.Vehicle
	Payment   *store.Payment
	History   []store.TripStatusEvent
}

const DefaultPaymentMethod = "cash"
