// README: JSON views of persisted records returned by the API.
package handlers

import (
	"time"

	"ambudispatch/internal/modules/location"
	"ambudispatch/internal/modules/trip"
	"ambudispatch/internal/modules/vehicle"
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type moneyView struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func newMoneyView(m *types.Money) *moneyView {
	if m == nil {
		return nil
	}
	return &moneyView{Amount: m.Amount, Currency: m.Currency}
}

type requestView struct {
	ID          types.ID            `json:"id"`
	RequesterID types.ID            `json:"requester_id"`
	PickupID    types.ID            `json:"pickup_id"`
	DropoffID   types.ID            `json:"dropoff_id"`
	OperatorID  *types.ID           `json:"operator_id,omitempty"`
	VehicleID   *types.ID           `json:"vehicle_id,omitempty"`
	RejectedBy  *types.ID           `json:"rejected_by,omitempty"`
	Status      store.RequestStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func newRequestView(r *store.Request) requestView {
	return requestView{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		PickupID:    r.PickupID,
		DropoffID:   r.DropoffID,
		OperatorID:  r.OperatorID,
		VehicleID:   r.VehicleID,
		RejectedBy:  r.RejectedBy,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func newRequestViews(rs []store.Request) []requestView {
	out := make([]requestView, 0, len(rs))
	for i := range rs {
		out = append(out, newRequestView(&rs[i]))
	}
	return out
}

type tripView struct {
	ID        types.ID         `json:"id"`
	RequestID types.ID         `json:"request_id"`
	VehicleID types.ID         `json:"vehicle_id"`
	Status    store.TripStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Fare      *moneyView       `json:"fare,omitempty"`
}

func newTripView(t *store.Trip) tripView {
	return tripView{
		ID:        t.ID,
		RequestID: t.RequestID,
		VehicleID: t.VehicleID,
		Status:    t.Status,
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
		Fare:      newMoneyView(t.Fare),
	}
}

func newTripViews(ts []store.Trip) []tripView {
	out := make([]tripView, 0, len(ts))
	for i := range ts {
		out = append(out, newTripView(&ts[i]))
	}
	return out
}

type paymentView struct {
	ID     types.ID            `json:"id"`
	Method string              `json:"method"`
	Amount moneyView           `json:"amount"`
	Status store.PaymentStatus `json:"status"`
	PaidAt *time.Time          `json:"paid_at,omitempty"`
}

func newPaymentView(p *store.Payment) *paymentView {
	if p == nil {
		return nil
	}
	return &paymentView{
		ID:     p.ID,
		Method: p.Method,
		Amount: moneyView{Amount: p.Amount.Amount, Currency: p.Amount.Currency},
		Status: p.Status,
		PaidAt: p.PaidAt,
	}
}

type locationView struct {
	ID      types.ID `json:"id"`
	Address string   `json:"address"`
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
}

func newLocationView(l *store.Location) *locationView {
	if l == nil {
		return nil
	}
	return &locationView{ID: l.ID, Address: l.Address, Lat: l.Position.Lat, Lng: l.Position.Lng}
}

type userView struct {
	ID    types.ID `json:"id"`
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
}

func newUserView(u *store.User) *userView {
	if u == nil {
		return nil
	}
	return &userView{ID: u.ID, Name: u.Name, Phone: u.Phone}
}

type driverView struct {
	ID            types.ID  `json:"id"`
	LicenseNumber string    `json:"license_number"`
	User          *userView `json:"user,omitempty"`
}

type vehicleView struct {
	ID     types.ID `json:"id"`
	TypeID types.ID `json:"type_id"`
	Number string   `json:"number"`
	Label  string   `json:"label"`
	Free   *bool    `json:"free,omitempty"`
}

func newVehicleView(v *store.Vehicle, free *bool) *vehicleView {
	if v == nil {
		return nil
	}
	return &vehicleView{ID: v.ID, TypeID: v.TypeID, Number: v.Number, Label: v.Label, Free: free}
}

func newListingViews(ls []vehicle.Listing) []vehicleView {
	out := make([]vehicleView, 0, len(ls))
	for i := range ls {
		out = append(out, *newVehicleView(&ls[i].Vehicle, ls[i].Free))
	}
	return out
}

type historyView struct {
	Status    store.TripStatus `json:"status"`
	ChangedAt time.Time        `json:"changed_at"`
}

type tripDetailsView struct {
	Trip       tripView      `json:"trip"`
	Request    *requestView  `json:"request,omitempty"`
	Pickup     *locationView `json:"pickup,omitempty"`
	Dropoff    *locationView `json:"dropoff,omitempty"`
	DistanceKm *float64      `json:"distance_km,omitempty"`
	Requester  *userView     `json:"requester,omitempty"`
	Driver     *driverView   `json:"driver,omitempty"`
	Vehicle    *vehicleView  `json:"vehicle,omitempty"`
	Payment    *paymentView  `json:"payment,omitempty"`
	History    []historyView `json:"history"`
}

func newTripDetailsView(d *trip.Details) tripDetailsView {
	out := tripDetailsView{
		Trip:      newTripView(d.Trip),
		Pickup:    newLocationView(d.Pickup),
		Dropoff:   newLocationView(d.Dropoff),
		Requester: newUserView(d.Requester),
		Vehicle:   newVehicleView(d.Vehicle, nil),
		Payment:   newPaymentView(d.Payment),
		History:   make([]historyView, 0, len(d.History)),
	}
	if d.Request != nil {
		rv := newRequestView(d.Request)
		out.Request = &rv
	}
	if d.Pickup != nil && d.Dropoff != nil {
		km := location.DistanceKm(d.Pickup.Position, d.Dropoff.Position)
		out.DistanceKm = &km
	}
	if d.Driver != nil {
		out.Driver = &driverView{
			ID:            d.Driver.Profile.ID,
			LicenseNumber: d.Driver.Profile.LicenseNumber,
			User:          newUserView(d.Driver.User),
		}
	}
	for _, h := range d.History {
		out.History = append(out.History, historyView{Status: h.Status, ChangedAt: h.ChangedAt})
	}
	return out
}
