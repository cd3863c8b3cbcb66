// README: Store backed by PostgreSQL. Conditional UPDATEs give at-most-one-winner semantics
// under READ COMMITTED; rows are locked request first, then availability.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrDuplicate
		case "23503":
			return store.ErrNotFound
		}
	}
	return err
}

func (t *pgTx) User(ctx context.Context, id types.ID) (*store.User, error) {
	var u store.User
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, phone, role FROM users WHERE id = $1`, string(id),
	).Scan(&u.ID, &u.Name, &u.Phone, &u.Role)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (t *pgTx) Driver(ctx context.Context, id types.ID) (*store.DriverProfile, error) {
	return t.driverWhere(ctx, "id = $1", id)
}

func (t *pgTx) DriverByUser(ctx context.Context, userID types.ID) (*store.DriverProfile, error) {
	return t.driverWhere(ctx, "user_id = $1", userID)
}

func (t *pgTx) driverWhere(ctx context.Context, cond string, arg types.ID) (*store.DriverProfile, error) {
	var d store.DriverProfile
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, license_number, created_at FROM drivers WHERE `+cond, string(arg),
	).Scan(&d.ID, &d.UserID, &d.LicenseNumber, &d.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (t *pgTx) Location(ctx context.Context, id types.ID) (*store.Location, error) {
	var l store.Location
	err := t.tx.QueryRow(ctx, `
		SELECT id, owner_id, address, lat, lng, created_at FROM locations WHERE id = $1`, string(id),
	).Scan(&l.ID, &l.OwnerID, &l.Address, &l.Position.Lat, &l.Position.Lng, &l.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (t *pgTx) CreateLocation(ctx context.Context, l *store.Location) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO locations (id, owner_id, address, lat, lng, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(l.ID), string(l.OwnerID), l.Address, l.Position.Lat, l.Position.Lng, l.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) VehicleTypes(ctx context.Context) ([]store.VehicleType, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name FROM vehicle_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.VehicleType, error) {
		var vt store.VehicleType
		err := row.Scan(&vt.ID, &vt.Name)
		return vt, err
	})
}

func (t *pgTx) VehicleType(ctx context.Context, id types.ID) (*store.VehicleType, error) {
	var vt store.VehicleType
	err := t.tx.QueryRow(ctx, `SELECT id, name FROM vehicle_types WHERE id = $1`, string(id)).Scan(&vt.ID, &vt.Name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &vt, nil
}

const vehicleColumns = `id, owner_id, type_id, number, label, created_at`

func scanVehicle(row pgx.Row) (store.Vehicle, error) {
	var v store.Vehicle
	err := row.Scan(&v.ID, &v.OwnerID, &v.TypeID, &v.Number, &v.Label, &v.CreatedAt)
	return v, err
}

func (t *pgTx) Vehicle(ctx context.Context, id types.ID) (*store.Vehicle, error) {
	v, err := scanVehicle(t.tx.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, string(id)))
	if err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

func (t *pgTx) VehiclesByOwner(ctx context.Context, driverID types.ID) ([]store.Vehicle, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+vehicleColumns+` FROM vehicles
		WHERE owner_id = $1
		ORDER BY created_at, id`, string(driverID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Vehicle, error) {
		return scanVehicle(row)
	})
}

func (t *pgTx) CreateVehicle(ctx context.Context, v *store.Vehicle) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO vehicles (id, owner_id, type_id, number, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(v.ID), string(v.OwnerID), string(v.TypeID), v.Number, v.Label, v.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) UpdateVehicle(ctx context.Context, v *store.Vehicle) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE vehicles SET type_id = $2, number = $3, label = $4 WHERE id = $1`,
		string(v.ID), string(v.TypeID), v.Number, v.Label,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteVehicle(ctx context.Context, id types.ID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM availability WHERE vehicle_id = $1`, string(id)); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM vehicles WHERE id = $1`, string(id))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) Availability(ctx context.Context, vehicleID types.ID) (*store.Availability, error) {
	var a store.Availability
	err := t.tx.QueryRow(ctx, `
		SELECT vehicle_id, free, updated_at FROM availability WHERE vehicle_id = $1`, string(vehicleID),
	).Scan(&a.VehicleID, &a.Free, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (t *pgTx) LockAvailability(ctx context.Context, vehicleID types.ID) error {
	var id string
	err := t.tx.QueryRow(ctx, `
		SELECT vehicle_id FROM availability WHERE vehicle_id = $1 FOR UPDATE`, string(vehicleID),
	).Scan(&id)
	return mapErr(err)
}

func (t *pgTx) CreateAvailability(ctx context.Context, a *store.Availability) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO availability (vehicle_id, free, updated_at) VALUES ($1, $2, $3)`,
		string(a.VehicleID), a.Free, a.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) SetAvailability(ctx context.Context, vehicleID types.ID, expect *bool, free bool, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE availability
		SET free = $2, updated_at = $3
		WHERE vehicle_id = $1 AND ($4::boolean IS NULL OR free = $4)`,
		string(vehicleID), free, at, expect,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const requestColumns = `id, requester_id, pickup_id, dropoff_id, operator_id, vehicle_id, rejected_by,
	status, status_version, created_at, updated_at`

func scanRequest(row pgx.Row) (store.Request, error) {
	var r store.Request
	var operatorID, vehicleID, rejectedBy *string
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.PickupID, &r.DropoffID, &operatorID, &vehicleID, &rejectedBy,
		&r.Status, &r.StatusVersion, &r.CreatedAt, &r.UpdatedAt,
	)
	r.OperatorID = toIDPtr(operatorID)
	r.VehicleID = toIDPtr(vehicleID)
	r.RejectedBy = toIDPtr(rejectedBy)
	return r, err
}

func (t *pgTx) Request(ctx context.Context, id types.ID) (*store.Request, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, string(id)))
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (t *pgTx) CreateRequest(ctx context.Context, r *store.Request) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO requests (
			id, requester_id, pickup_id, dropoff_id, operator_id, vehicle_id, rejected_by,
			status, status_version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(r.ID), string(r.RequesterID), string(r.PickupID), string(r.DropoffID),
		toStringPtr(r.OperatorID), toStringPtr(r.VehicleID), toStringPtr(r.RejectedBy),
		string(r.Status), r.StatusVersion, r.CreatedAt, r.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) TransitionRequest(ctx context.Context, tr store.RequestTransition) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE requests
		SET status = $1,
		    status_version = status_version + 1,
		    operator_id = COALESCE($2, operator_id),
		    vehicle_id = COALESCE($3, vehicle_id),
		    rejected_by = COALESCE($4, rejected_by),
		    updated_at = $5
		WHERE id = $6 AND status = $7 AND status_version = $8`,
		string(tr.To),
		toStringPtr(tr.OperatorID),
		toStringPtr(tr.VehicleID),
		toStringPtr(tr.RejectedBy),
		tr.At,
		string(tr.ID),
		string(tr.From),
		tr.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) queryRequests(ctx context.Context, sql string, args ...any) ([]store.Request, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Request, error) {
		return scanRequest(row)
	})
}

func (t *pgTx) RequestsByRequester(ctx context.Context, userID types.ID) ([]store.Request, error) {
	return t.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE requester_id = $1
		ORDER BY created_at DESC, id DESC`, string(userID))
}

func (t *pgTx) PendingRequests(ctx context.Context) ([]store.Request, error) {
	return t.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = 'pending' AND operator_id IS NULL
		ORDER BY created_at, id`)
}

func (t *pgTx) HasActiveRequestForVehicle(ctx context.Context, vehicleID types.ID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM requests
			WHERE vehicle_id = $1
			  AND status IN ('accepted','in_progress')
		)`, string(vehicleID),
	).Scan(&exists)
	return exists, err
}

const tripColumns = `t.id, t.request_id, t.vehicle_id, t.started_at, t.ended_at, t.fare_amount, t.fare_currency, t.status, t.created_at`

func scanTrip(row pgx.Row) (store.Trip, error) {
	var tr store.Trip
	var fareAmount *int64
	var fareCurrency *string
	err := row.Scan(&tr.ID, &tr.RequestID, &tr.VehicleID, &tr.StartedAt, &tr.EndedAt,
		&fareAmount, &fareCurrency, &tr.Status, &tr.CreatedAt)
	if fareAmount != nil {
		m := types.Money{Amount: *fareAmount}
		if fareCurrency != nil {
			m.Currency = *fareCurrency
		}
		tr.Fare = &m
	}
	return tr, err
}

func (t *pgTx) Trip(ctx context.Context, id types.ID) (*store.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips t WHERE t.id = $1`, string(id)))
	if err != nil {
		return nil, mapErr(err)
	}
	return &tr, nil
}

func (t *pgTx) TripByRequest(ctx context.Context, requestID types.ID) (*store.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips t WHERE t.request_id = $1`, string(requestID)))
	if err != nil {
		return nil, mapErr(err)
	}
	return &tr, nil
}

func (t *pgTx) CreateTrip(ctx context.Context, tr *store.Trip) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trips (id, request_id, vehicle_id, started_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(tr.ID), string(tr.RequestID), string(tr.VehicleID), tr.StartedAt, string(tr.Status), tr.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) CloseTrip(ctx context.Context, id types.ID, endedAt time.Time, fare types.Money) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE trips
		SET ended_at = $2, fare_amount = $3, fare_currency = $4, status = 'completed'
		WHERE id = $1 AND status = 'in_progress'`,
		string(id), endedAt, fare.Amount, fare.Currency,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) queryTrips(ctx context.Context, sql string, arg types.ID) ([]store.Trip, error) {
	rows, err := t.tx.Query(ctx, sql, string(arg))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Trip, error) {
		return scanTrip(row)
	})
}

func (t *pgTx) TripsByDriver(ctx context.Context, driverID types.ID) ([]store.Trip, error) {
	return t.queryTrips(ctx, `
		SELECT `+tripColumns+` FROM trips t
		JOIN requests r ON r.id = t.request_id
		WHERE r.operator_id = $1
		ORDER BY t.started_at DESC, t.id DESC`, driverID)
}

func (t *pgTx) TripsByRequester(ctx context.Context, userID types.ID) ([]store.Trip, error) {
	return t.queryTrips(ctx, `
		SELECT `+tripColumns+` FROM trips t
		JOIN requests r ON r.id = t.request_id
		WHERE r.requester_id = $1
		ORDER BY t.started_at DESC, t.id DESC`, userID)
}

func (t *pgTx) AppendTripStatus(ctx context.Context, e *store.TripStatusEvent) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trip_status_history (trip_id, status, changed_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		string(e.TripID), string(e.Status), e.ChangedAt,
	).Scan(&e.ID)
	return mapErr(err)
}

func (t *pgTx) TripHistory(ctx context.Context, tripID types.ID) ([]store.TripStatusEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, trip_id, status, changed_at FROM trip_status_history
		WHERE trip_id = $1
		ORDER BY id`, string(tripID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TripStatusEvent, error) {
		var e store.TripStatusEvent
		err := row.Scan(&e.ID, &e.TripID, &e.Status, &e.ChangedAt)
		return e, err
	})
}

func (t *pgTx) PaymentByTrip(ctx context.Context, tripID types.ID) (*store.Payment, error) {
	var p store.Payment
	err := t.tx.QueryRow(ctx, `
		SELECT id, trip_id, method, amount, currency, status, paid_at, created_at
		FROM payments WHERE trip_id = $1`, string(tripID),
	).Scan(&p.ID, &p.TripID, &p.Method, &p.Amount.Amount, &p.Amount.Currency, &p.Status, &p.PaidAt, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *pgTx) CreatePayment(ctx context.Context, p *store.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (id, trip_id, method, amount, currency, status, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(p.ID), string(p.TripID), p.Method, p.Amount.Amount, p.Amount.Currency,
		string(p.Status), p.PaidAt, p.CreatedAt,
	)
	return mapErr(err)
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
