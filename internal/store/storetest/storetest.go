// README: Seeded fixtures shared by module tests. Memory fixtures always run; Postgres
// fixtures skip unless DISPATCH_TEST_DSN is set.
package storetest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ambudispatch/internal/store"
	"ambudispatch/internal/store/postgres"
	"ambudispatch/internal/types"
)

const DefaultType types.ID = "vt-basic"

// Epoch is the creation time of seeded records; later records get strictly later times.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type Fixture struct {
	Store  store.Store
	Memory *store.Memory
	Pool   *pgxpool.Pool

	seq       atomic.Int64
	putUser   func(context.Context, store.User) error
	putDriver func(context.Context, store.DriverProfile) error
}

func NewMemory(t *testing.T) *Fixture {
	t.Helper()
	m := store.NewMemory()
	m.PutVehicleType(store.VehicleType{ID: DefaultType, Name: "Basic Life Support"})
	return &Fixture{
		Store:  m,
		Memory: m,
		putUser: func(_ context.Context, u store.User) error {
			m.PutUser(u)
			return nil
		},
		putDriver: func(_ context.Context, d store.DriverProfile) error {
			m.PutDriver(d)
			return nil
		},
	}
}

func NewPostgres(t *testing.T) *Fixture {
	t.Helper()

	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, `TRUNCATE TABLE payments, trip_status_history, trips, requests,
		availability, vehicles, vehicle_types, locations, drivers, users`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO vehicle_types (id, name) VALUES ($1, $2)`,
		string(DefaultType), "Basic Life Support"); err != nil {
		t.Fatalf("seed vehicle type: %v", err)
	}

	return &Fixture{
		Store: postgres.New(db),
		Pool:  db,
		putUser: func(ctx context.Context, u store.User) error {
			_, err := db.Exec(ctx, `INSERT INTO users (id, name, phone, role) VALUES ($1, $2, $3, $4)`,
				string(u.ID), u.Name, u.Phone, string(u.Role))
			return err
		},
		putDriver: func(ctx context.Context, d store.DriverProfile) error {
			_, err := db.Exec(ctx, `INSERT INTO drivers (id, user_id, license_number, created_at) VALUES ($1, $2, $3, $4)`,
				string(d.ID), string(d.UserID), d.LicenseNumber, d.CreatedAt)
			return err
		},
	}
}

func (f *Fixture) next() (int64, time.Time) {
	n := f.seq.Add(1)
	return n, Epoch.Add(time.Duration(n) * time.Second)
}

// Patient seeds a patient user and returns its principal.
func (f *Fixture) Patient(t *testing.T, name string) types.Principal {
	t.Helper()
	id := types.ID("u-" + name)
	if err := f.putUser(context.Background(), store.User{ID: id, Name: name, Phone: "0300-" + name, Role: types.RolePatient}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return types.Principal{UserID: id, Role: types.RolePatient}
}

// Driver seeds a driver user and profile. It returns the principal and the profile id.
func (f *Fixture) Driver(t *testing.T, name string) (types.Principal, types.ID) {
	t.Helper()
	ctx := context.Background()
	uid := types.ID("u-" + name)
	did := types.ID("d-" + name)
	_, at := f.next()
	if err := f.putUser(ctx, store.User{ID: uid, Name: name, Phone: "0311-" + name, Role: types.RoleDriver}); err != nil {
		t.Fatalf("seed driver user: %v", err)
	}
	if err := f.putDriver(ctx, store.DriverProfile{ID: did, UserID: uid, LicenseNumber: "LIC-" + name, CreatedAt: at}); err != nil {
		t.Fatalf("seed driver profile: %v", err)
	}
	return types.Principal{UserID: uid, Role: types.RoleDriver}, did
}

// Vehicle seeds a vehicle with an availability row.
func (f *Fixture) Vehicle(t *testing.T, driverID types.ID, free bool) types.ID {
	t.Helper()
	ctx := context.Background()
	n, at := f.next()
	v := &store.Vehicle{
		ID:        types.ID(fmt.Sprintf("v-%s-%d", driverID, n)),
		OwnerID:   driverID,
		TypeID:    DefaultType,
		Number:    fmt.Sprintf("AMB-%04d", n),
		CreatedAt: at,
	}
	err := f.Store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateVehicle(ctx, v); err != nil {
			return err
		}
		return tx.CreateAvailability(ctx, &store.Availability{VehicleID: v.ID, Free: free, UpdatedAt: at})
	})
	if err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}
	return v.ID
}

func (f *Fixture) Location(t *testing.T, owner types.ID, address string) types.ID {
	t.Helper()
	ctx := context.Background()
	n, at := f.next()
	l := &store.Location{
		ID:        types.ID(fmt.Sprintf("loc-%d", n)),
		OwnerID:   owner,
		Address:   address,
		Position:  types.Point{Lat: 24.86 + float64(n)/1000, Lng: 67.01},
		CreatedAt: at,
	}
	if err := f.Store.InTx(ctx, func(tx store.Tx) error { return tx.CreateLocation(ctx, l) }); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	return l.ID
}

// Availability reads a vehicle's free flag.
func (f *Fixture) Availability(t *testing.T, vehicleID types.ID) bool {
	t.Helper()
	ctx := context.Background()
	var free bool
	err := f.Store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.Availability(ctx, vehicleID)
		if err != nil {
			return err
		}
		free = a.Free
		return nil
	})
	if err != nil {
		t.Fatalf("read availability: %v", err)
	}
	return free
}

// Request reads a request record.
func (f *Fixture) Request(t *testing.T, id types.ID) *store.Request {
	t.Helper()
	ctx := context.Background()
	var r *store.Request
	err := f.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.Request(ctx, id)
		return err
	})
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	return r
}

// ApplyMigration runs migrations/0001_init.sql statement by statement.
func ApplyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := RepoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func RepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
