package main

import (
	"time"

	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

// seedDemo fills an in-memory store with the vehicle catalog and one account
// per role so the API can be exercised locally with minted tokens.
func seedDemo(m *store.Memory) {
	now := time.Now().UTC()
	m.PutVehicleType(store.VehicleType{ID: "vt-bls", Name: "Basic Life Support"})
	m.PutVehicleType(store.VehicleType{ID: "vt-als", Name: "Advanced Life Support"})
	m.PutVehicleType(store.VehicleType{ID: "vt-nicu", Name: "Neonatal Transport"})

	m.PutUser(store.User{ID: "demo-patient", Name: "Demo Patient", Phone: "0300-0000000", Role: types.RolePatient})
	m.PutUser(store.User{ID: "demo-driver", Name: "Demo Driver", Phone: "0311-0000000", Role: types.RoleDriver})
	m.PutDriver(store.DriverProfile{ID: "drv-demo", UserID: "demo-driver", LicenseNumber: "DEMO-001", CreatedAt: now})
}
