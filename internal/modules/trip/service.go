// README: Trip lifecycle. Start and end move the trip, the request and the vehicle's
// availability together; end also prices the trip and opens a pending payment.
package trip

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/events"
	"ambudispatch/internal/modules/availability"
	"ambudispatch/internal/modules/pricing"
	"ambudispatch/internal/modules/request"
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type Service struct {
	store    store.Store
	schedule pricing.Schedule
	history  History
	pub      events.Publisher
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(st store.Store, schedule pricing.Schedule, pub events.Publisher, log logrus.FieldLogger) *Service {
	return &Service{store: st, schedule: schedule, pub: pub, log: log, now: time.Now}
}

func (s *Service) StartTrip(ctx context.Context, cmd StartCommand) (*store.Trip, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}

	now := s.now()
	var out *store.Trip
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
		if err != nil {
			return err
		}
		r, err := tx.Request(ctx, cmd.RequestID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("request %s", cmd.RequestID)
		}
		if err != nil {
			return err
		}
		if !r.AssignedTo(driver.ID) {
			return apperr.Forbidden("request %s is not assigned to operator %s", r.ID, driver.ID)
		}
		if !request.CanTransition(r.Status, store.RequestInProgress) {
			return apperr.Conflict("request %s is %s", r.ID, r.Status)
		}
		if _, err := tx.TripByRequest(ctx, r.ID); err == nil {
			return apperr.Conflict("trip already exists for request %s", r.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		vehicleID, err := tripVehicle(ctx, tx, r, driver.ID)
		if err != nil {
			return err
		}

		ok, err := tx.TransitionRequest(ctx, store.RequestTransition{
			ID:      r.ID,
			From:    r.Status,
			To:      store.RequestInProgress,
			Version: r.StatusVersion,
			At:      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("request %s changed concurrently", r.ID)
		}

		t := &store.Trip{
			ID:        types.NewID(),
			RequestID: r.ID,
			VehicleID: vehicleID,
			StartedAt: now,
			Status:    store.TripInProgress,
			CreatedAt: now,
		}
		if err := tx.CreateTrip(ctx, t); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("trip already exists for request %s", r.ID)
			}
			return err
		}
		if err := availability.Hold(ctx, tx, vehicleID, now); err != nil {
			return err
		}
		if err := s.history.Record(ctx, tx, t.ID, store.TripInProgress, now); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"trip_id":    out.ID,
		"request_id": out.RequestID,
		"vehicle_id": out.VehicleID,
	}).Info("trip started")
	events.Emit(ctx, s.pub, s.log, events.Event{
		Type: events.TripStarted, RequestID: out.RequestID, TripID: out.ID, VehicleID: out.VehicleID,
		ActorID: cmd.Operator.UserID, OccurredAt: now,
	})
	return out, nil
}

func (s *Service) EndTrip(ctx context.Context, cmd EndCommand) (*EndResult, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}

	now := s.now()
	var out EndResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
		if err != nil {
			return err
		}
		t, err := tx.Trip(ctx, cmd.TripID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("trip %s", cmd.TripID)
		}
		if err != nil {
			return err
		}
		r, err := tx.Request(ctx, t.RequestID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("request %s", t.RequestID)
		}
		if err != nil {
			return err
		}
		if !r.AssignedTo(driver.ID) {
			return apperr.Forbidden("trip %s is not assigned to operator %s", t.ID, driver.ID)
		}
		if t.Status != store.TripInProgress {
			return apperr.Conflict("trip %s is %s", t.ID, t.Status)
		}
		if _, err := tx.PaymentByTrip(ctx, t.ID); err == nil {
			return apperr.Conflict("payment already exists for trip %s", t.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := tx.Availability(ctx, t.VehicleID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("availability for vehicle %s", t.VehicleID)
			}
			return err
		}

		fare := s.schedule.Fare(t.StartedAt, now)

		ok, err := tx.TransitionRequest(ctx, store.RequestTransition{
			ID:      r.ID,
			From:    store.RequestInProgress,
			To:      store.RequestCompleted,
			Version: r.StatusVersion,
			At:      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("request %s changed concurrently", r.ID)
		}
		ok, err = tx.CloseTrip(ctx, t.ID, now, fare)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("trip %s already closed", t.ID)
		}
		if err := s.history.Record(ctx, tx, t.ID, store.TripCompleted, now); err != nil {
			return err
		}
		if err := availability.Release(ctx, tx, t.VehicleID, now); err != nil {
			return err
		}

		p := &store.Payment{
			ID:        types.NewID(),
			TripID:    t.ID,
			Method:    DefaultPaymentMethod,
			Amount:    fare,
			Status:    store.PaymentPending,
			CreatedAt: now,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("payment already exists for trip %s", t.ID)
			}
			return err
		}

		out.Payment = p
		out.Trip, err = tx.Trip(ctx, t.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.log.WithField("trip_id", cmd.TripID).WithError(err).Warn("end trip rejected")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"trip_id":    out.Trip.ID,
		"request_id": out.Trip.RequestID,
		"vehicle_id": out.Trip.VehicleID,
		"fare":       out.Payment.Amount.String(),
	}).Info("trip completed")
	events.Emit(ctx, s.pub, s.log,
		events.Event{
			Type: events.TripCompleted, RequestID: out.Trip.RequestID, TripID: out.Trip.ID, VehicleID: out.Trip.VehicleID,
			ActorID: cmd.Operator.UserID, Attrs: map[string]string{"fare": out.Payment.Amount.String(), "payment_id": string(out.Payment.ID)},
			OccurredAt: now,
		},
		events.Event{
			Type: events.AvailabilityChanged, RequestID: out.Trip.RequestID, VehicleID: out.Trip.VehicleID,
			Attrs: map[string]string{"free": "true"}, OccurredAt: now,
		},
	)
	return &out, nil
}

// GetTripDetails is open to the request's requester and its assigned operator.
func (s *Service) GetTripDetails(ctx context.Context, caller types.Principal, tripID types.ID) (*Details, error) {
	var d Details
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.Trip(ctx, tripID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("trip %s", tripID)
		}
		if err != nil {
			return err
		}
		r, err := tx.Request(ctx, t.RequestID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("request %s", t.RequestID)
		}
		if err != nil {
			return err
		}
		visible, err := canView(ctx, tx, caller, r)
		if err != nil {
			return err
		}
		if !visible {
			return apperr.Forbidden("trip %s is not visible to caller", tripID)
		}
		d.Trip, d.Request = t, r

		if d.Pickup, err = optional(tx.Location(ctx, r.PickupID)); err != nil {
			return err
		}
		if d.Dropoff, err = optional(tx.Location(ctx, r.DropoffID)); err != nil {
			return err
		}
		if d.Requester, err = optional(tx.User(ctx, r.RequesterID)); err != nil {
			return err
		}
		if r.OperatorID != nil {
			profile, err := optional(tx.Driver(ctx, *r.OperatorID))
			if err != nil {
				return err
			}
			if profile != nil {
				d.Driver = &DriverView{Profile: *profile}
				if d.Driver.User, err = optional(tx.User(ctx, profile.UserID)); err != nil {
					return err
				}
			}
		}
		if d.Vehicle, err = optional(tx.Vehicle(ctx, t.VehicleID)); err != nil {
			return err
		}
		if d.Payment, err = optional(tx.PaymentByTrip(ctx, t.ID)); err != nil {
			return err
		}
		d.History, err = s.history.List(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDriverTrips lists trips on requests assigned to the calling operator, newest first.
func (s *Service) ListDriverTrips(ctx context.Context, caller types.Principal) ([]store.Trip, error) {
	if !caller.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}
	var out []store.Trip
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, caller)
		if err != nil {
			return err
		}
		out, err = tx.TripsByDriver(ctx, driver.ID)
		return err
	})
	return out, err
}

// ListRequesterTrips lists trips on the caller's own requests, newest first.
func (s *Service) ListRequesterTrips(ctx context.Context, caller types.Principal) ([]store.Trip, error) {
	if !caller.Is(types.RolePatient) {
		return nil, apperr.Forbidden("requester capability required")
	}
	var out []store.Trip
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.TripsByRequester(ctx, caller.UserID)
		return err
	})
	return out, err
}

func driverFor(ctx context.Context, tx store.Tx, p types.Principal) (*store.DriverProfile, error) {
	d, err := tx.DriverByUser(ctx, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("driver profile for user %s", p.UserID)
	}
	return d, err
}

// tripVehicle resolves the vehicle reserved on accept. Requests accepted without a
// recorded vehicle fall back to the operator's first vehicle with an availability row.
func tripVehicle(ctx context.Context, tx store.Tx, r *store.Request, driverID types.ID) (types.ID, error) {
	if r.VehicleID != nil {
		if _, err := tx.Availability(ctx, *r.VehicleID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", apperr.NotFound("availability for vehicle %s", *r.VehicleID)
			}
			return "", err
		}
		return *r.VehicleID, nil
	}
	vehicles, err := tx.VehiclesByOwner(ctx, driverID)
	if err != nil {
		return "", err
	}
	for _, v := range vehicles {
		_, err := tx.Availability(ctx, v.ID)
		if err == nil {
			return v.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return "", apperr.NotFound("operator %s has no vehicle with an availability record", driverID)
}

// canView reports whether caller is the requester or the assigned operator.
// Only a missing driver profile counts as not visible; other errors propagate.
func canView(ctx context.Context, tx store.Tx, caller types.Principal, r *store.Request) (bool, error) {
	if caller.UserID == "" {
		return false, nil
	}
	if r.RequesterID == caller.UserID {
		return true, nil
	}
	if r.OperatorID == nil {
		return false, nil
	}
	d, err := tx.DriverByUser(ctx, caller.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.ID == *r.OperatorID, nil
}

func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
