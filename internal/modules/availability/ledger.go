// README: Availability ledger. Per-vehicle free flag mutated inside a caller's unit of work.
package availability

import (
	"context"
	"errors"
	"time"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

// Reserve flips a free vehicle to busy. It fails Conflict when the vehicle is
// already busy, including when a concurrent caller got there first.
func Reserve(ctx context.Context, tx store.Tx, vehicleID types.ID, at time.Time) error {
	a, err := tx.Availability(ctx, vehicleID)
	if err != nil {
		return notFound(err, vehicleID)
	}
	if !a.Free {
		return apperr.Conflict("vehicle %s is not free", vehicleID)
	}
	free := true
	ok, err := tx.SetAvailability(ctx, vehicleID, &free, false, at)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("vehicle %s is not free", vehicleID)
	}
	return nil
}

// Hold marks a vehicle busy whatever its current flag.
func Hold(ctx context.Context, tx store.Tx, vehicleID types.ID, at time.Time) error {
	return set(ctx, tx, vehicleID, false, at)
}

// Release marks a vehicle free whatever its current flag.
func Release(ctx context.Context, tx store.Tx, vehicleID types.ID, at time.Time) error {
	return set(ctx, tx, vehicleID, true, at)
}

func set(ctx context.Context, tx store.Tx, vehicleID types.ID, free bool, at time.Time) error {
	ok, err := tx.SetAvailability(ctx, vehicleID, nil, free, at)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("availability for vehicle %s", vehicleID)
	}
	return nil
}

func notFound(err error, vehicleID types.ID) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("availability for vehicle %s", vehicleID)
	}
	return err
}
