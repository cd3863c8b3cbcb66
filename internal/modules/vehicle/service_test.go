package vehicle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/cache"
	"ambudispatch/internal/store"
	"ambudispatch/internal/store/storetest"
)

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := storetest.NewMemory(t)
	log, _ := test.NewNullLogger()
	svc := NewService(f.Store, log)
	op, driverID := f.Driver(t, "asad")
	patient := f.Patient(t, "bushra")

	v, err := svc.Register(ctx, RegisterCommand{Operator: op, TypeID: storetest.DefaultType, Number: " khi-101 ", Label: "Unit 1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if v.OwnerID != driverID || v.Number != "KHI-101" {
		t.Fatalf("unexpected vehicle: %+v", v)
	}
	if f.Availability(t, v.ID) != DefaultFree {
		t.Fatalf("new vehicle availability should default to %v", DefaultFree)
	}

	tests := []struct {
		name string
		cmd  RegisterCommand
		want error
	}{
		{"patient", RegisterCommand{Operator: patient, TypeID: storetest.DefaultType, Number: "KHI-102"}, apperr.ErrForbidden},
		{"blank number", RegisterCommand{Operator: op, TypeID: storetest.DefaultType, Number: "  "}, apperr.ErrBadRequest},
		{"unknown type", RegisterCommand{Operator: op, TypeID: "vt-none", Number: "KHI-103"}, apperr.ErrNotFound},
		{"duplicate number", RegisterCommand{Operator: op, TypeID: storetest.DefaultType, Number: "KHI-101"}, apperr.ErrConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	list, err := svc.ListByOperator(ctx, op)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Free == nil || *list[0].Free {
		t.Fatalf("unexpected listing: %+v", list)
	}
}

func TestDeleteCascadesAvailability(t *testing.T) {
	ctx := context.Background()
	f := storetest.NewMemory(t)
	log, _ := test.NewNullLogger()
	svc := NewService(f.Store, log)
	op, driverID := f.Driver(t, "danyal")
	other, _ := f.Driver(t, "erum")
	vehicleID := f.Vehicle(t, driverID, true)

	if err := svc.Delete(ctx, DeleteCommand{Operator: other, VehicleID: vehicleID}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("other operator: expected forbidden, got %v", err)
	}
	if err := svc.Delete(ctx, DeleteCommand{Operator: op, VehicleID: vehicleID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := f.Store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.Availability(ctx, vehicleID)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("availability should be removed with the vehicle, got %v", err)
	}
	if err := svc.Delete(ctx, DeleteCommand{Operator: op, VehicleID: vehicleID}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("delete twice: expected not found, got %v", err)
	}
}

func TestDeleteActiveVehicleConflicts(t *testing.T) {
	ctx := context.Background()
	f := storetest.NewMemory(t)
	log, _ := test.NewNullLogger()
	svc := NewService(f.Store, log)
	op, driverID := f.Driver(t, "fahad")
	vehicleID := f.Vehicle(t, driverID, false)

	now := time.Now()
	err := f.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateRequest(ctx, &store.Request{
			ID: "r1", RequesterID: "u-p", Status: store.RequestInProgress,
			OperatorID: &driverID, VehicleID: &vehicleID, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	if err := svc.Delete(ctx, DeleteCommand{Operator: op, VehicleID: vehicleID}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	f := storetest.NewMemory(t)
	f.Memory.PutVehicleType(store.VehicleType{ID: "vt-advanced", Name: "Advanced Life Support"})
	log, _ := test.NewNullLogger()
	svc := NewService(f.Store, log)
	op, driverID := f.Driver(t, "ghazala")
	other, otherID := f.Driver(t, "hamid")
	vehicleID := f.Vehicle(t, driverID, true)
	taken, err := svc.Register(ctx, RegisterCommand{Operator: other, TypeID: storetest.DefaultType, Number: "KHI-900"})
	if err != nil {
		t.Fatalf("register other: %v", err)
	}
	if taken.OwnerID != otherID {
		t.Fatalf("unexpected owner: %+v", taken)
	}

	v, err := svc.Update(ctx, UpdateCommand{Operator: op, VehicleID: vehicleID, TypeID: "vt-advanced", Number: " khi-500 ", Label: " Night shift "})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v.Number != "KHI-500" || v.TypeID != "vt-advanced" || v.Label != "Night shift" || v.OwnerID != driverID {
		t.Fatalf("unexpected vehicle: %+v", v)
	}
	// Re-saving a vehicle under its own number is not a duplicate.
	if _, err := svc.Update(ctx, UpdateCommand{Operator: op, VehicleID: vehicleID, TypeID: storetest.DefaultType, Number: "KHI-500"}); err != nil {
		t.Fatalf("update same number: %v", err)
	}

	tests := []struct {
		name string
		cmd  UpdateCommand
		want error
	}{
		{"other operator", UpdateCommand{Operator: other, VehicleID: vehicleID, TypeID: storetest.DefaultType, Number: "KHI-501"}, apperr.ErrForbidden},
		{"duplicate number", UpdateCommand{Operator: op, VehicleID: vehicleID, TypeID: storetest.DefaultType, Number: "khi-900"}, apperr.ErrConflict},
		{"unknown type", UpdateCommand{Operator: op, VehicleID: vehicleID, TypeID: "vt-none", Number: "KHI-502"}, apperr.ErrNotFound},
		{"missing vehicle", UpdateCommand{Operator: op, VehicleID: "v-missing", TypeID: storetest.DefaultType, Number: "KHI-503"}, apperr.ErrNotFound},
		{"blank number", UpdateCommand{Operator: op, VehicleID: vehicleID, TypeID: storetest.DefaultType, Number: " "}, apperr.ErrBadRequest},
		{"patient", UpdateCommand{Operator: f.Patient(t, "iqra"), VehicleID: vehicleID, TypeID: storetest.DefaultType, Number: "KHI-504"}, apperr.ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Update(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	err = f.Store.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.Vehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		if got.Number != "KHI-500" || got.TypeID != storetest.DefaultType {
			t.Errorf("failed updates leaked into the store: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read vehicle: %v", err)
	}
}

type countingCache struct {
	cache.Cache
	gets, sets int
}

func (c *countingCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.gets++
	return c.Cache.Get(ctx, key, dest)
}

func (c *countingCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.sets++
	return c.Cache.Set(ctx, key, value, ttl)
}

func TestCatalogCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	f := storetest.NewMemory(t)
	log, _ := test.NewNullLogger()
	c := &countingCache{Cache: cache.NewMemory()}
	cat := NewCatalog(f.Store, c, time.Hour, log)

	first, err := cat.Types(ctx)
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	if len(first) != 1 || first[0].ID != storetest.DefaultType {
		t.Fatalf("unexpected types: %+v", first)
	}

	f.Memory.PutVehicleType(store.VehicleType{ID: "vt-als", Name: "Advanced Life Support"})
	cached, err := cat.Types(ctx)
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	if len(cached) != 1 || c.sets != 1 {
		t.Fatalf("expected cached catalog, got %d types after %d writes", len(cached), c.sets)
	}

	if err := cat.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	fresh, err := cat.Types(ctx)
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	if len(fresh) != 2 || c.sets != 2 {
		t.Fatalf("expected refreshed catalog, got %+v", fresh)
	}
}
