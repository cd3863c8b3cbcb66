package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/events"
	"ambudispatch/internal/store"
	"ambudispatch/internal/store/storetest"
	"ambudispatch/internal/types"
)

type env struct {
	svc     *Service
	f       *storetest.Fixture
	rec     *events.Recorder
	patient types.Principal
	pickup  types.ID
	dropoff types.ID
}

func newEnv(t *testing.T, f *storetest.Fixture) *env {
	t.Helper()
	rec := &events.Recorder{}
	log, _ := test.NewNullLogger()
	patient := f.Patient(t, "sana")
	return &env{
		svc:     NewService(f.Store, rec, log),
		f:       f,
		rec:     rec,
		patient: patient,
		pickup:  f.Location(t, patient.UserID, "Gulshan Block 5"),
		dropoff: f.Location(t, patient.UserID, "Aga Khan Hospital"),
	}
}

func (e *env) submit(t *testing.T) *store.Request {
	t.Helper()
	r, err := e.svc.Submit(context.Background(), SubmitCommand{Requester: e.patient, PickupID: e.pickup, DropoffID: e.dropoff})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return r
}

func TestCanTransition(t *testing.T) {
	all := []store.RequestStatus{
		store.RequestPending, store.RequestAccepted, store.RequestRejected,
		store.RequestInProgress, store.RequestCompleted, store.RequestCancelled,
	}
	allowed := map[[2]store.RequestStatus]bool{
		{store.RequestPending, store.RequestAccepted}:     true,
		{store.RequestPending, store.RequestRejected}:     true,
		{store.RequestPending, store.RequestCancelled}:    true,
		{store.RequestAccepted, store.RequestInProgress}:  true,
		{store.RequestInProgress, store.RequestCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]store.RequestStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if CanTransition(store.RequestPending, store.RequestCompleted) {
		t.Fatalf("pending must never jump to completed")
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	driver, _ := e.f.Driver(t, "dawood")

	r := e.submit(t)
	if r.Status != store.RequestPending || r.OperatorID != nil || r.VehicleID != nil {
		t.Fatalf("unexpected request: %+v", r)
	}

	if _, err := e.svc.Submit(ctx, SubmitCommand{Requester: driver, PickupID: e.pickup, DropoffID: e.dropoff}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("driver submit: expected forbidden, got %v", err)
	}
	if _, err := e.svc.Submit(ctx, SubmitCommand{Requester: e.patient, PickupID: "missing", DropoffID: e.dropoff}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing pickup: expected not found, got %v", err)
	}
	if _, err := e.svc.Submit(ctx, SubmitCommand{Requester: e.patient, PickupID: e.pickup}); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("missing dropoff: expected bad request, got %v", err)
	}
	if got := e.rec.Types(); len(got) != 1 || got[0] != events.RequestSubmitted {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestAcceptReservesVehicle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	op, driverID := e.f.Driver(t, "ehsan")
	vehicleID := e.f.Vehicle(t, driverID, true)
	r := e.submit(t)

	got, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, Operator: op})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != store.RequestAccepted || !got.AssignedTo(driverID) {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.VehicleID == nil || *got.VehicleID != vehicleID {
		t.Fatalf("expected vehicle %s to be reserved, got %v", vehicleID, got.VehicleID)
	}
	if e.f.Availability(t, vehicleID) {
		t.Fatalf("vehicle should be busy after accept")
	}
}

func TestAcceptPicksEarliestFreeVehicle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	op, driverID := e.f.Driver(t, "faraz")
	busy := e.f.Vehicle(t, driverID, false)
	free := e.f.Vehicle(t, driverID, true)
	later := e.f.Vehicle(t, driverID, true)

	got, err := e.svc.Accept(ctx, AcceptCommand{RequestID: e.submit(t).ID, Operator: op})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if *got.VehicleID != free {
		t.Fatalf("expected %s, got %s", free, *got.VehicleID)
	}
	if e.f.Availability(t, busy) || e.f.Availability(t, free) || !e.f.Availability(t, later) {
		t.Fatalf("only the chosen vehicle should change")
	}
}

func TestAcceptFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	noFleet, _ := e.f.Driver(t, "ghani")
	parked, parkedID := e.f.Driver(t, "hamid")
	e.f.Vehicle(t, parkedID, false)
	unlisted, unlistedID := e.f.Driver(t, "imran")
	e.f.Memory.DropAvailability(e.f.Vehicle(t, unlistedID, true))
	noProfile := types.Principal{UserID: "u-ghost", Role: types.RoleDriver}
	ready, readyID := e.f.Driver(t, "javed")
	e.f.Vehicle(t, readyID, true)

	pending := e.submit(t)
	taken := e.submit(t)
	if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: taken.ID, Operator: ready}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	tests := []struct {
		name string
		cmd  AcceptCommand
		want error
	}{
		{"patient", AcceptCommand{RequestID: pending.ID, Operator: e.patient}, apperr.ErrForbidden},
		{"no driver profile", AcceptCommand{RequestID: pending.ID, Operator: noProfile}, apperr.ErrNotFound},
		{"unknown request", AcceptCommand{RequestID: "missing", Operator: ready}, apperr.ErrNotFound},
		{"already accepted", AcceptCommand{RequestID: taken.ID, Operator: parked}, apperr.ErrConflict},
		{"no vehicle", AcceptCommand{RequestID: pending.ID, Operator: noFleet}, apperr.ErrNotFound},
		{"no availability row", AcceptCommand{RequestID: pending.ID, Operator: unlisted}, apperr.ErrNotFound},
		{"vehicle not free", AcceptCommand{RequestID: pending.ID, Operator: parked}, apperr.ErrConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.svc.Accept(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := e.f.Request(t, pending.ID); got.Status != store.RequestPending || got.OperatorID != nil {
		t.Fatalf("failed accepts must leave the request untouched: %+v", got)
	}
}

func TestConcurrentAcceptSameRequest(t *testing.T) {
	for name, f := range map[string]func(*testing.T) *storetest.Fixture{
		"memory":   storetest.NewMemory,
		"postgres": storetest.NewPostgres,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, f(t))
			r := e.submit(t)

			const attempts = 8
			ops := make([]types.Principal, attempts)
			vehicles := make([]types.ID, attempts)
			for i := range ops {
				var did types.ID
				ops[i], did = e.f.Driver(t, fmt.Sprintf("racer%d", i))
				vehicles[i] = e.f.Vehicle(t, did, true)
			}

			var wg sync.WaitGroup
			start := make(chan struct{})
			errs := make(chan error, attempts)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(op types.Principal) {
					defer wg.Done()
					<-start
					_, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, Operator: op})
					errs <- err
				}(ops[i])
			}
			close(start)
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, apperr.ErrConflict) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly 1 success, got %d", success)
			}

			got := e.f.Request(t, r.ID)
			if got.Status != store.RequestAccepted || got.VehicleID == nil {
				t.Fatalf("unexpected final request: %+v", got)
			}
			busy := 0
			for _, v := range vehicles {
				if !e.f.Availability(t, v) {
					busy++
					if v != *got.VehicleID {
						t.Fatalf("vehicle %s busy but request holds %s", v, *got.VehicleID)
					}
				}
			}
			if busy != 1 {
				t.Fatalf("expected exactly 1 busy vehicle, got %d", busy)
			}
		})
	}
}

func TestConcurrentAcceptSameVehicle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	op, driverID := e.f.Driver(t, "kamran")
	vehicleID := e.f.Vehicle(t, driverID, true)
	first, second := e.submit(t), e.submit(t)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	for _, id := range []types.ID{first.ID, second.ID} {
		wg.Add(1)
		go func(rid types.ID) {
			defer wg.Done()
			<-start
			_, err := e.svc.Accept(ctx, AcceptCommand{RequestID: rid, Operator: op})
			errs <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	accepted := 0
	for _, id := range []types.ID{first.ID, second.ID} {
		if e.f.Request(t, id).Status == store.RequestAccepted {
			accepted++
		}
	}
	if accepted != 1 || e.f.Availability(t, vehicleID) {
		t.Fatalf("expected one accepted request holding a busy vehicle")
	}
}

func TestRejectKeepsVehicleFree(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	op, driverID := e.f.Driver(t, "latif")
	vehicleID := e.f.Vehicle(t, driverID, true)
	noFleet, _ := e.f.Driver(t, "majid")
	r := e.submit(t)

	if _, err := e.svc.Reject(ctx, RejectCommand{RequestID: r.ID, Operator: noFleet}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("operator without vehicle: expected not found, got %v", err)
	}

	got, err := e.svc.Reject(ctx, RejectCommand{RequestID: r.ID, Operator: op})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != store.RequestRejected || got.OperatorID != nil {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.RejectedBy == nil || *got.RejectedBy != driverID {
		t.Fatalf("rejecting operator not recorded: %+v", got.RejectedBy)
	}
	if !e.f.Availability(t, vehicleID) {
		t.Fatalf("reject must not touch availability")
	}

	if _, err := e.svc.Reject(ctx, RejectCommand{RequestID: r.ID, Operator: op}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second reject: expected conflict, got %v", err)
	}
	if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, Operator: op}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("accept after reject: expected conflict, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	stranger := e.f.Patient(t, "nadia")
	op, driverID := e.f.Driver(t, "owais")
	e.f.Vehicle(t, driverID, true)

	r := e.submit(t)
	if _, err := e.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Requester: stranger}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("stranger: expected forbidden, got %v", err)
	}
	if _, err := e.svc.Cancel(ctx, CancelCommand{RequestID: "missing", Requester: e.patient}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing: expected not found, got %v", err)
	}
	got, err := e.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Requester: e.patient})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != store.RequestCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if _, err := e.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Requester: e.patient}); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("cancel twice: expected bad request, got %v", err)
	}

	accepted := e.submit(t)
	if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: accepted.ID, Operator: op}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	before := e.f.Request(t, accepted.ID)
	if _, err := e.svc.Cancel(ctx, CancelCommand{RequestID: accepted.ID, Requester: e.patient}); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("cancel accepted: expected bad request, got %v", err)
	}
	after := e.f.Request(t, accepted.ID)
	if after.Status != before.Status || after.StatusVersion != before.StatusVersion {
		t.Fatalf("cancel of accepted request changed state: %+v", after)
	}
}

func TestListsAndVisibility(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, storetest.NewMemory(t))
	op, driverID := e.f.Driver(t, "qasim")
	e.f.Vehicle(t, driverID, true)
	other, _ := e.f.Driver(t, "rashid")
	stranger := e.f.Patient(t, "sadia")

	first := e.submit(t)
	second := e.submit(t)
	if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: first.ID, Operator: op}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	pending, err := e.svc.ListPending(ctx, other)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	if _, err := e.svc.ListPending(ctx, e.patient); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("patient pending list: expected forbidden, got %v", err)
	}

	mine, err := e.svc.ListByRequester(ctx, e.patient)
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(mine))
	}

	if _, err := e.svc.Get(ctx, op, first.ID); err != nil {
		t.Fatalf("assigned operator get: %v", err)
	}
	if _, err := e.svc.Get(ctx, other, first.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("other operator get: expected forbidden, got %v", err)
	}
	if _, err := e.svc.Get(ctx, other, second.ID); err != nil {
		t.Fatalf("pending visible to drivers: %v", err)
	}
	if _, err := e.svc.Get(ctx, stranger, first.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("stranger get: expected forbidden, got %v", err)
	}
}
