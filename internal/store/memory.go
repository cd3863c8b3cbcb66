// README: In-memory Store. One lock per store makes every unit of work serializable;
// an undo log restores prior state when the unit of work fails.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"ambudispatch/internal/types"
)

type Memory struct {
	mu sync.Mutex

	users        map[types.ID]User
	drivers      map[types.ID]DriverProfile
	locations    map[types.ID]Location
	vehicleTypes map[types.ID]VehicleType
	vehicles     map[types.ID]Vehicle
	availability map[types.ID]Availability
	requests     map[types.ID]Request
	trips        map[types.ID]Trip
	history      []TripStatusEvent
	payments     map[types.ID]Payment

	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		users:        map[types.ID]User{},
		drivers:      map[types.ID]DriverProfile{},
		locations:    map[types.ID]Location{},
		vehicleTypes: map[types.ID]VehicleType{},
		vehicles:     map[types.ID]Vehicle{},
		availability: map[types.ID]Availability{},
		requests:     map[types.ID]Request{},
		trips:        map[types.ID]Trip{},
		payments:     map[types.ID]Payment{},
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Seeding helpers for records owned by collaborators outside this core.

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutDriver(d DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *Memory) PutVehicleType(vt VehicleType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicleTypes[vt.ID] = vt
}

// DropAvailability removes an availability row, as a data repair would.
func (m *Memory) DropAvailability(vehicleID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.availability, vehicleID)
}

type memTx struct {
	m    *Memory
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// restore records how to put key back to what it was before a write.
func restore[K comparable, V any](tx *memTx, table map[K]V, key K) {
	prev, existed := table[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			table[key] = prev
		} else {
			delete(table, key)
		}
	})
}

func (tx *memTx) User(_ context.Context, id types.ID) (*User, error) {
	u, ok := tx.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (tx *memTx) Driver(_ context.Context, id types.ID) (*DriverProfile, error) {
	d, ok := tx.m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (tx *memTx) DriverByUser(_ context.Context, userID types.ID) (*DriverProfile, error) {
	for _, d := range tx.m.drivers {
		if d.UserID == userID {
			d := d
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) Location(_ context.Context, id types.ID) (*Location, error) {
	l, ok := tx.m.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (tx *memTx) CreateLocation(_ context.Context, l *Location) error {
	if _, ok := tx.m.locations[l.ID]; ok {
		return ErrDuplicate
	}
	restore(tx, tx.m.locations, l.ID)
	tx.m.locations[l.ID] = *l
	return nil
}

func (tx *memTx) VehicleTypes(_ context.Context) ([]VehicleType, error) {
	out := make([]VehicleType, 0, len(tx.m.vehicleTypes))
	for _, vt := range tx.m.vehicleTypes {
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (tx *memTx) VehicleType(_ context.Context, id types.ID) (*VehicleType, error) {
	vt, ok := tx.m.vehicleTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &vt, nil
}

func (tx *memTx) Vehicle(_ context.Context, id types.ID) (*Vehicle, error) {
	v, ok := tx.m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (tx *memTx) VehiclesByOwner(_ context.Context, driverID types.ID) ([]Vehicle, error) {
	var out []Vehicle
	for _, v := range tx.m.vehicles {
		if v.OwnerID == driverID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (tx *memTx) CreateVehicle(_ context.Context, v *Vehicle) error {
	if _, ok := tx.m.vehicles[v.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range tx.m.vehicles {
		if existing.Number == v.Number {
			return ErrDuplicate
		}
	}
	restore(tx, tx.m.vehicles, v.ID)
	tx.m.vehicles[v.ID] = *v
	return nil
}

func (tx *memTx) UpdateVehicle(_ context.Context, v *Vehicle) error {
	prev, ok := tx.m.vehicles[v.ID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range tx.m.vehicles {
		if existing.ID != v.ID && existing.Number == v.Number {
			return ErrDuplicate
		}
	}
	restore(tx, tx.m.vehicles, v.ID)
	prev.TypeID = v.TypeID
	prev.Number = v.Number
	prev.Label = v.Label
	tx.m.vehicles[v.ID] = prev
	return nil
}

func (tx *memTx) DeleteVehicle(_ context.Context, id types.ID) error {
	if _, ok := tx.m.vehicles[id]; !ok {
		return ErrNotFound
	}
	restore(tx, tx.m.availability, id)
	restore(tx, tx.m.vehicles, id)
	delete(tx.m.availability, id)
	delete(tx.m.vehicles, id)
	return nil
}

func (tx *memTx) Availability(_ context.Context, vehicleID types.ID) (*Availability, error) {
	a, ok := tx.m.availability[vehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// LockAvailability only checks the row exists; the store mutex already
// serializes units of work.
func (tx *memTx) LockAvailability(_ context.Context, vehicleID types.ID) error {
	if _, ok := tx.m.availability[vehicleID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (tx *memTx) CreateAvailability(_ context.Context, a *Availability) error {
	if _, ok := tx.m.vehicles[a.VehicleID]; !ok {
		return ErrNotFound
	}
	if _, ok := tx.m.availability[a.VehicleID]; ok {
		return ErrDuplicate
	}
	restore(tx, tx.m.availability, a.VehicleID)
	tx.m.availability[a.VehicleID] = *a
	return nil
}

func (tx *memTx) SetAvailability(_ context.Context, vehicleID types.ID, expect *bool, free bool, at time.Time) (bool, error) {
	a, ok := tx.m.availability[vehicleID]
	if !ok {
		return false, nil
	}
	if expect != nil && a.Free != *expect {
		return false, nil
	}
	restore(tx, tx.m.availability, vehicleID)
	a.Free = free
	a.UpdatedAt = at
	tx.m.availability[vehicleID] = a
	return true, nil
}

func (tx *memTx) Request(_ context.Context, id types.ID) (*Request, error) {
	r, ok := tx.m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (tx *memTx) CreateRequest(_ context.Context, r *Request) error {
	if _, ok := tx.m.requests[r.ID]; ok {
		return ErrDuplicate
	}
	restore(tx, tx.m.requests, r.ID)
	tx.m.requests[r.ID] = *cloneRequest(*r)
	return nil
}

func (tx *memTx) TransitionRequest(_ context.Context, t RequestTransition) (bool, error) {
	r, ok := tx.m.requests[t.ID]
	if !ok || r.Status != t.From || r.StatusVersion != t.Version {
		return false, nil
	}
	restore(tx, tx.m.requests, t.ID)
	r.Status = t.To
	r.StatusVersion++
	r.UpdatedAt = t.At
	if t.OperatorID != nil {
		r.OperatorID = cloneID(t.OperatorID)
	}
	if t.VehicleID != nil {
		r.VehicleID = cloneID(t.VehicleID)
	}
	if t.RejectedBy != nil {
		r.RejectedBy = cloneID(t.RejectedBy)
	}
	tx.m.requests[t.ID] = r
	return true, nil
}

func (tx *memTx) RequestsByRequester(_ context.Context, userID types.ID) ([]Request, error) {
	return tx.requestsWhere(func(r Request) bool { return r.RequesterID == userID }, true), nil
}

func (tx *memTx) PendingRequests(_ context.Context) ([]Request, error) {
	return tx.requestsWhere(func(r Request) bool {
		return r.Status == RequestPending && r.OperatorID == nil
	}, false), nil
}

func (tx *memTx) requestsWhere(keep func(Request) bool, newestFirst bool) []Request {
	var out []Request
	for _, r := range tx.m.requests {
		if keep(r) {
			out = append(out, *cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if newestFirst {
			a, b = b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

func (tx *memTx) HasActiveRequestForVehicle(_ context.Context, vehicleID types.ID) (bool, error) {
	for _, r := range tx.m.requests {
		if r.VehicleID != nil && *r.VehicleID == vehicleID && r.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) Trip(_ context.Context, id types.ID) (*Trip, error) {
	t, ok := tx.m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

func (tx *memTx) TripByRequest(_ context.Context, requestID types.ID) (*Trip, error) {
	for _, t := range tx.m.trips {
		if t.RequestID == requestID {
			return cloneTrip(t), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) CreateTrip(_ context.Context, t *Trip) error {
	if _, ok := tx.m.trips[t.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range tx.m.trips {
		if existing.RequestID == t.RequestID {
			return ErrDuplicate
		}
	}
	restore(tx, tx.m.trips, t.ID)
	tx.m.trips[t.ID] = *cloneTrip(*t)
	return nil
}

func (tx *memTx) CloseTrip(_ context.Context, id types.ID, endedAt time.Time, fare types.Money) (bool, error) {
	t, ok := tx.m.trips[id]
	if !ok || t.Status != TripInProgress {
		return false, nil
	}
	restore(tx, tx.m.trips, id)
	end := endedAt
	f := fare
	t.EndedAt = &end
	t.Fare = &f
	t.Status = TripCompleted
	tx.m.trips[id] = t
	return true, nil
}

func (tx *memTx) TripsByDriver(_ context.Context, driverID types.ID) ([]Trip, error) {
	return tx.tripsWhere(func(r Request) bool { return r.AssignedTo(driverID) }), nil
}

func (tx *memTx) TripsByRequester(_ context.Context, userID types.ID) ([]Trip, error) {
	return tx.tripsWhere(func(r Request) bool { return r.RequesterID == userID }), nil
}

func (tx *memTx) tripsWhere(keep func(Request) bool) []Trip {
	var out []Trip
	for _, t := range tx.m.trips {
		r, ok := tx.m.requests[t.RequestID]
		if ok && keep(r) {
			out = append(out, *cloneTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (tx *memTx) AppendTripStatus(_ context.Context, e *TripStatusEvent) error {
	if _, ok := tx.m.trips[e.TripID]; !ok {
		return ErrNotFound
	}
	n := len(tx.m.history)
	seq := tx.m.seq
	tx.undo = append(tx.undo, func() {
		tx.m.history = tx.m.history[:n]
		tx.m.seq = seq
	})
	tx.m.seq++
	e.ID = tx.m.seq
	tx.m.history = append(tx.m.history, *e)
	return nil
}

func (tx *memTx) TripHistory(_ context.Context, tripID types.ID) ([]TripStatusEvent, error) {
	var out []TripStatusEvent
	for _, e := range tx.m.history {
		if e.TripID == tripID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (tx *memTx) PaymentByTrip(_ context.Context, tripID types.ID) (*Payment, error) {
	for _, p := range tx.m.payments {
		if p.TripID == tripID {
			p := p
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) CreatePayment(_ context.Context, p *Payment) error {
	if _, ok := tx.m.payments[p.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range tx.m.payments {
		if existing.TripID == p.TripID {
			return ErrDuplicate
		}
	}
	restore(tx, tx.m.payments, p.ID)
	tx.m.payments[p.ID] = *p
	return nil
}

func cloneID(id *types.ID) *types.ID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneRequest(r Request) *Request {
	r.OperatorID = cloneID(r.OperatorID)
	r.VehicleID = cloneID(r.VehicleID)
	r.RejectedBy = cloneID(r.RejectedBy)
	return &r
}

func cloneTrip(t Trip) *Trip {
	if t.EndedAt != nil {
		v := *t.EndedAt
		t.EndedAt = &v
	}
	if t.Fare != nil {
		v := *t.Fare
		t.Fare = &v
	}
	return &t
}
