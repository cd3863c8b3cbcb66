// README: Persisted records. Relationships are plain ID fields resolved by lookup.
package store

import (
	"time"

	"ambudispatch/internal/types"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAccepted   RequestStatus = "accepted"
	RequestRejected   RequestStatus = "rejected"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

type TripStatus string

const (
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type User struct {
	ID    types.ID
	Name  string
	Phone string
	Role  types.Role
}

type DriverProfile struct {
	ID            types.ID
	UserID        types.ID
	LicenseNumber string
	CreatedAt     time.Time
}

type Location struct {
	ID        types.ID
	OwnerID   types.ID
	Address   string
	Position  types.Point
	CreatedAt time.Time
}

type VehicleType struct {
	ID   types.ID
	Name string
}

type Vehicle struct {
	ID        types.ID
	OwnerID   types.ID // driver profile
	TypeID    types.ID
	Number    string
	Label     string
	CreatedAt time.Time
}

type Availability struct {
	VehicleID types.ID
	Free      bool
	UpdatedAt time.Time
}

type Request struct {
	ID            types.ID
	RequesterID   types.ID
	PickupID      types.ID
	DropoffID     types.ID
	OperatorID    *types.ID // driver profile; set on accept
	VehicleID     *types.ID // vehicle reserved on accept
	RejectedBy    *types.ID
	Status        RequestStatus
	StatusVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AssignedTo reports whether the request is assigned to the given driver profile.
func (r *Request) AssignedTo(driverID types.ID) bool {
	return r.OperatorID != nil && *r.OperatorID == driverID
}

type Trip struct {
	ID        types.ID
	RequestID types.ID
	VehicleID types.ID
	StartedAt time.Time
	EndedAt   *time.Time
	Fare      *types.Money
	Status    TripStatus
	CreatedAt time.Time
}

type TripStatusEvent struct {
	ID        int64
	TripID    types.ID
	Status    TripStatus
	ChangedAt time.Time
}

type Payment struct {
	ID        types.ID
	TripID    types.ID
	Method    string
	Amount    types.Money
	Status    PaymentStatus
	PaidAt    *time.Time
	CreatedAt time.Time
}
