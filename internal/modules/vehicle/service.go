// README: Vehicle registry. A vehicle and its availability row are created and removed together.
package vehicle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

// DefaultFree is the availability of a newly registered vehicle. Operators bring a
// vehicle into service with an explicit toggle.
const DefaultFree = false

type Service struct {
	store store.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(st store.Store, log logrus.FieldLogger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*store.Vehicle, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}
	number := strings.ToUpper(strings.TrimSpace(cmd.Number))
	if number == "" || cmd.TypeID == "" {
		return nil, apperr.BadRequest("vehicle number and type are required")
	}

	now := s.now()
	v := &store.Vehicle{
		ID:        types.NewID(),
		TypeID:    cmd.TypeID,
		Number:    number,
		Label:     strings.TrimSpace(cmd.Label),
		CreatedAt: now,
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
		if err != nil {
			return err
		}
		if _, err := tx.VehicleType(ctx, cmd.TypeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("vehicle type %s", cmd.TypeID)
			}
			return err
		}
		v.OwnerID = driver.ID
		if err := tx.CreateVehicle(ctx, v); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("vehicle number %s is already registered", number)
			}
			return err
		}
		return tx.CreateAvailability(ctx, &store.Availability{VehicleID: v.ID, Free: DefaultFree, UpdatedAt: now})
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"vehicle_id": v.ID, "operator_id": v.OwnerID}).Info("vehicle registered")
	return v, nil
}

// Update rewrites an owned vehicle. Availability is untouched.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (*store.Vehicle, error) {
	if !cmd.Operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}
	number := strings.ToUpper(strings.TrimSpace(cmd.Number))
	if number == "" || cmd.TypeID == "" {
		return nil, apperr.BadRequest("vehicle number and type are required")
	}

	var out *store.Vehicle
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
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
			return apperr.Forbidden("vehicle %s belongs to another operator", v.ID)
		}
		if _, err := tx.VehicleType(ctx, cmd.TypeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("vehicle type %s", cmd.TypeID)
			}
			return err
		}
		v.TypeID = cmd.TypeID
		v.Number = number
		v.Label = strings.TrimSpace(cmd.Label)
		if err := tx.UpdateVehicle(ctx, v); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("vehicle number %s is already registered", number)
			}
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"vehicle_id": out.ID, "operator_id": out.OwnerID}).Info("vehicle updated")
	return out, nil
}

// Delete removes an owned vehicle and its availability row. Vehicles backing an
// accepted or in-progress request cannot be removed.
func (s *Service) Delete(ctx context.Context, cmd DeleteCommand) error {
	if !cmd.Operator.Is(types.RoleDriver) {
		return apperr.Forbidden("driver capability required")
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, cmd.Operator)
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
			return apperr.Forbidden("vehicle %s belongs to another operator", v.ID)
		}
		if err := tx.LockAvailability(ctx, v.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		active, err := tx.HasActiveRequestForVehicle(ctx, v.ID)
		if err != nil {
			return err
		}
		if active {
			return apperr.Conflict("vehicle %s is assigned to an active request", v.ID)
		}
		return tx.DeleteVehicle(ctx, v.ID)
	})
	if err != nil {
		return err
	}
	s.log.WithField("vehicle_id", cmd.VehicleID).Info("vehicle deleted")
	return nil
}

func (s *Service) ListByOperator(ctx context.Context, operator types.Principal) ([]Listing, error) {
	if !operator.Is(types.RoleDriver) {
		return nil, apperr.Forbidden("driver capability required")
	}
	var out []Listing
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		driver, err := driverFor(ctx, tx, operator)
		if err != nil {
			return err
		}
		vehicles, err := tx.VehiclesByOwner(ctx, driver.ID)
		if err != nil {
			return err
		}
		out = make([]Listing, 0, len(vehicles))
		for _, v := range vehicles {
			l := Listing{Vehicle: v}
			a, err := tx.Availability(ctx, v.ID)
			switch {
			case err == nil:
				free := a.Free
				l.Free = &free
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			out = append(out, l)
		}
		return nil
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
