// README: Storage port. Every multi-row mutation runs inside Store.InTx.
package store

import (
	"context"
	"errors"
	"time"

	"ambudispatch/internal/types"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the unit-of-work boundary. Writes made through the Tx handed to fn
// are committed when fn returns nil and rolled back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// RequestTransition moves a request from one status to another. It applies only
// when the stored status and version still match From and Version.
type RequestTransition struct {
	ID         types.ID
	From       RequestStatus
	To         RequestStatus
	Version    int
	OperatorID *types.ID
	VehicleID  *types.ID
	RejectedBy *types.ID
	At         time.Time
}

type Tx interface {
	User(ctx context.Context, id types.ID) (*User, error)
	Driver(ctx context.Context, id types.ID) (*DriverProfile, error)
	DriverByUser(ctx context.Context, userID types.ID) (*DriverProfile, error)

	Location(ctx context.Context, id types.ID) (*Location, error)
	CreateLocation(ctx context.Context, l *Location) error

	VehicleTypes(ctx context.Context) ([]VehicleType, error)
	VehicleType(ctx context.Context, id types.ID) (*VehicleType, error)

	Vehicle(ctx context.Context, id types.ID) (*Vehicle, error)
	// VehiclesByOwner lists a driver's vehicles, oldest first.
	VehiclesByOwner(ctx context.Context, driverID types.ID) ([]Vehicle, error)
	CreateVehicle(ctx context.Context, v *Vehicle) error
	// UpdateVehicle rewrites type, number and label. A number held by another
	// vehicle yields ErrDuplicate.
	UpdateVehicle(ctx context.Context, v *Vehicle) error
	// DeleteVehicle removes the vehicle and its availability row.
	DeleteVehicle(ctx context.Context, id types.ID) error

	Availability(ctx context.Context, vehicleID types.ID) (*Availability, error)
	CreateAvailability(ctx context.Context, a *Availability) error
	// LockAvailability holds the vehicle's availability row until the unit of work
	// ends. Checks made after it see every commit that touched the row before.
	LockAvailability(ctx context.Context, vehicleID types.ID) error
	// SetAvailability writes free. When expect is non-nil the write applies only
	// if the current value equals *expect.
	SetAvailability(ctx context.Context, vehicleID types.ID, expect *bool, free bool, at time.Time) (bool, error)

	Request(ctx context.Context, id types.ID) (*Request, error)
	CreateRequest(ctx context.Context, r *Request) error
	TransitionRequest(ctx context.Context, t RequestTransition) (bool, error)
	RequestsByRequester(ctx context.Context, userID types.ID) ([]Request, error)
	// PendingRequests lists unassigned pending requests, oldest first.
	PendingRequests(ctx context.Context) ([]Request, error)
	HasActiveRequestForVehicle(ctx context.Context, vehicleID types.ID) (bool, error)

	Trip(ctx context.Context, id types.ID) (*Trip, error)
	TripByRequest(ctx context.Context, requestID types.ID) (*Trip, error)
	CreateTrip(ctx context.Context, t *Trip) error
	// CloseTrip completes an in-progress trip; false when it is no longer in progress.
	CloseTrip(ctx context.Context, id types.ID, endedAt time.Time, fare types.Money) (bool, error)
	TripsByDriver(ctx context.Context, driverID types.ID) ([]Trip, error)
	TripsByRequester(ctx context.Context, userID types.ID) ([]Trip, error)

	AppendTripStatus(ctx context.Context, e *TripStatusEvent) error
	TripHistory(ctx context.Context, tripID types.ID) ([]TripStatusEvent, error)

	PaymentByTrip(ctx context.Context, tripID types.ID) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
}

// IsActive reports whether a request in this status holds a vehicle.
func (s RequestStatus) IsActive() bool {
	return s == RequestAccepted || s == RequestInProgress
}

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestRejected || s == RequestCancelled || s == RequestCompleted
}
