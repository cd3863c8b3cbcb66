// README: Operator-facing availability toggle and lookup.
package availability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/events"
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

type ToggleCommand struct {
	VehicleID types.ID
	Operator  types.Principal
	Free      bool
}

// Toggle sets a vehicle's free flag outside a trip. A missing availability row is
// never recreated here.
func (s *Service) Toggle(ctx context.Context, cmd ToggleCommand) (*store.Availability, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}

	var out *store.Availability
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := tx.DriverByUser(ctx, cmd.Operator.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("driver profile for user %s", cmd.Operator.UserID)
		}
		if err != nil {
			return err
		}
		v, err := tx.Vehicle(ctx, cmd.VehicleID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("vehicle %s", cmd.VehicleID)
		}
		if err != nil {
			return err
		}
		if v.OwnerID != driver.ID {
			return apperr.Forbidden("vehicle %s belongs to another operator", cmd.VehicleID)
		}
		// Lock before the active-request check so a concurrent accept either
		// commits first and is seen, or waits for this toggle.
		if err := tx.LockAvailability(ctx, v.ID); err != nil {
			return notFound(err, v.ID)
		}
		if cmd.Free {
			active, err := tx.HasActiveRequestForVehicle(ctx, v.ID)
			if err != nil {
				return err
			}
			if active {
				return apperr.Conflict("vehicle %s is assigned to an active request", v.ID)
			}
		}
		if err := set(ctx, tx, v.ID, cmd.Free, s.now()); err != nil {
			return err
		}
		out, err = tx.Availability(ctx, v.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"vehicle_id": cmd.VehicleID,
		"free":       out.Free,
	}).Info("availability toggled")
	events.Emit(ctx, s.pub, s.log, events.Event{
		Type:       events.AvailabilityChanged,
		VehicleID:  out.VehicleID,
		ActorID:    cmd.Operator.UserID,
		Attrs:      map[string]string{"free": strconv.FormatBool(out.Free)},
		OccurredAt: out.UpdatedAt,
	})
	return out, nil
}

func (s *Service) Get(ctx context.Context, vehicleID types.ID) (*store.Availability, error) {
	var out *store.Availability
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.Availability(ctx, vehicleID)
		if err != nil {
			return notFound(err, vehicleID)
		}
		out = a
		return nil
	})
	return out, err
}
