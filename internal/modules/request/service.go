// README: Request service implements submit/accept/reject/cancel. Accept moves the request
// and the vehicle's availability in one unit of work.
package request

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/events"
	"ambudispatch/internal/modules/availability"
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type Service struct {
	store store.Store
	pub   events.Publisher
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(st store.Store, pub events.Publisher, log logrus.FieldLogger) *Service {
	return &Service{store: st, pub: pub, log: log, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*store.Request, error) {
	if !cmd.Requester.Is(types.RolePatient) {
		return nil, apperr.Forbidden("requester capability required")
	}
	if cmd.PickupID == "" || cmd.DropoffID == "" {
		return nil, apperr.BadRequest("pickup and dropoff locations are required")
	}

	now := s.now()
	r := &store.Request{
		ID:          types.NewID(),
		RequesterID: cmd.Requester.UserID,
		PickupID:    cmd.PickupID,
		DropoffID:   cmd.DropoffID,
		Status:      store.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		for _, id := range []types.ID{cmd.PickupID, cmd.DropoffID} {
			if _, err := tx.Location(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return apperr.NotFound("location %s", id)
				}
				return err
			}
		}
		return tx.CreateRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"request_id": r.ID, "requester_id": r.RequesterID}).Info("request submitted")
	events.Emit(ctx, s.pub, s.log, events.Event{
		Type: events.RequestSubmitted, RequestID: r.ID, ActorID: r.RequesterID, OccurredAt: now,
	})
	return r, nil
}

// Accept assigns the request to the operator and reserves the operator's
// earliest-registered free vehicle. Exactly one of several concurrent accepts
// on the same request or the same vehicle wins; the rest fail Conflict.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*store.Request, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}

	now := s.now()
	var out *store.Request
	var vehicleID types.ID
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
		if err != nil {
			return err
		}
		r, err := pendingRequest(ctx, tx, cmd.RequestID, store.RequestAccepted)
		if err != nil {
			return err
		}
		vehicleID, err = freeVehicle(ctx, tx, driver.ID)
		if err != nil {
			return err
		}

		ok, err := tx.TransitionRequest(ctx, store.RequestTransition{
			ID:         r.ID,
			From:       r.Status,
			To:         store.RequestAccepted,
			Version:    r.StatusVersion,
			OperatorID: &driver.ID,
			VehicleID:  &vehicleID,
			At:         now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("request %s was taken by another operator", r.ID)
		}
		if err := availability.Reserve(ctx, tx, vehicleID, now); err != nil {
			return err
		}
		out, err = tx.Request(ctx, r.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.log.WithFields(logrus.Fields{"request_id": cmd.RequestID, "operator_id": cmd.Operator.UserID}).
				WithError(err).Warn("accept lost race")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":  out.ID,
		"operator_id": *out.OperatorID,
		"vehicle_id":  vehicleID,
	}).Info("request accepted")
	events.Emit(ctx, s.pub, s.log,
		events.Event{Type: events.RequestAccepted, RequestID: out.ID, VehicleID: vehicleID, ActorID: cmd.Operator.UserID, OccurredAt: now},
		events.Event{Type: events.AvailabilityChanged, RequestID: out.ID, VehicleID: vehicleID, Attrs: map[string]string{"free": "false"}, OccurredAt: now},
	)
	return out, nil
}

// Reject records the rejecting operator. Availability is untouched.
func (s *Service) Reject(ctx context.Context, cmd RejectCommand) (*store.Request, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}

	now := s.now()
	var out *store.Request
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
		if err != nil {
			return err
		}
		r, err := pendingRequest(ctx, tx, cmd.RequestID, store.RequestRejected)
		if err != nil {
			return err
		}
		vehicles, err := tx.VehiclesByOwner(ctx, driver.ID)
		if err != nil {
			return err
		}
		if len(vehicles) == 0 {
			return apperr.NotFound("operator %s owns no vehicle", driver.ID)
		}

		ok, err := tx.TransitionRequest(ctx, store.RequestTransition{
			ID:         r.ID,
			From:       r.Status,
			To:         store.RequestRejected,
			Version:    r.StatusVersion,
			RejectedBy: &driver.ID,
			At:         now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("request %s changed concurrently", r.ID)
		}
		out, err = tx.Request(ctx, r.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"request_id": out.ID, "operator_id": *out.RejectedBy}).Info("request rejected")
	events.Emit(ctx, s.pub, s.log, events.Event{
		Type: events.RequestRejected, RequestID: out.ID, ActorID: cmd.Operator.UserID, OccurredAt: now,
	})
	return out, nil
}

// Cancel is open only to the original requester and only while the request is pending.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*store.Request, error) {
	if !cmd.Requester.Is(types.RolePatient) {
		return nil, apperr.Forbidden("requester capability required")
	}

	now := s.now()
	var out *store.Request
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := loadRequest(ctx, tx, cmd.RequestID)
		if err != nil {
			return err
		}
		if r.RequesterID != cmd.Requester.UserID {
			return apperr.Forbidden("request %s belongs to another requester", r.ID)
		}
		if !CanTransition(r.Status, store.RequestCancelled) {
			return apperr.BadRequest("request %s is %s; only pending requests can be cancelled", r.ID, r.Status)
		}
		ok, err := tx.TransitionRequest(ctx, store.RequestTransition{
			ID:      r.ID,
			From:    r.Status,
			To:      store.RequestCancelled,
			Version: r.StatusVersion,
			At:      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("request %s changed concurrently", r.ID)
		}
		out, err = tx.Request(ctx, r.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("request_id", out.ID).Info("request cancelled")
	events.Emit(ctx, s.pub, s.log, events.Event{
		Type: events.RequestCancelled, RequestID: out.ID, ActorID: cmd.Requester.UserID, OccurredAt: now,
	})
	return out, nil
}

// Get returns a request to its requester, its assigned operator, or any driver
// while it is still pending.
func (s *Service) Get(ctx context.Context, caller types.Principal, id types.ID) (*store.Request, error) {
	var out *store.Request
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := loadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.RequesterID == caller.UserID {
			out = r
			return nil
		}
		if caller.Is(types.RoleDriver) {
			if r.Status == store.RequestPending {
				out = r
				return nil
			}
			driver, err := tx.DriverByUser(ctx, caller.UserID)
			if err == nil && r.AssignedTo(driver.ID) {
				out = r
				return nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return apperr.Forbidden("request %s is not visible to caller", id)
	})
	return out, err
}

// ListPending is the driver's view of unassigned pending requests, oldest first.
func (s *Service) ListPending(ctx context.Context, caller types.Principal) ([]store.Request, error) {
	if !caller.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}
	var out []store.Request
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.PendingRequests(ctx)
		return err
	})
	return out, err
}

// ListByRequester lists the caller's own requests, newest first.
func (s *Service) ListByRequester(ctx context.Context, caller types.Principal) ([]store.Request, error) {
	if !caller.Is(types.RolePatient) {
		return nil, apperr.Forbidden("requester capability required")
	}
	var out []store.Request
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.RequestsByRequester(ctx, caller.UserID)
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

func loadRequest(ctx context.Context, tx store.Tx, id types.ID) (*store.Request, error) {
	r, err := tx.Request(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("request %s", id)
	}
	return r, err
}

func pendingRequest(ctx context.Context, tx store.Tx, id types.ID, to store.RequestStatus) (*store.Request, error) {
	r, err := loadRequest(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, apperr.Conflict("request %s is %s", r.ID, r.Status)
	}
	return r, nil
}

// freeVehicle picks the operator's earliest-registered vehicle whose availability
// row is free.
func freeVehicle(ctx context.Context, tx store.Tx, driverID types.ID) (types.ID, error) {
	vehicles, err := tx.VehiclesByOwner(ctx, driverID)
	if err != nil {
		return "", err
	}
	if len(vehicles) == 0 {
		return "", apperr.NotFound("operator %s owns no vehicle", driverID)
	}
	tracked := 0
	for _, v := range vehicles {
		a, err := tx.Availability(ctx, v.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		tracked++
		if a.Free {
			return v.ID, nil
		}
	}
	if tracked == 0 {
		return "", apperr.NotFound("no availability record for operator %s", driverID)
	}
	return "", apperr.Conflict("operator %s has no free vehicle", driverID)
}
