// README: End-to-end API tests over the in-memory store with a stub token verifier.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"

	"ambudispatch/internal/cache"
	"ambudispatch/internal/events"
	httptransport "ambudispatch/internal/http"
	"ambudispatch/internal/infra"
	"ambudispatch/internal/modules/availability"
	"ambudispatch/internal/modules/location"
	"ambudispatch/internal/modules/pricing"
	"ambudispatch/internal/modules/request"
	"ambudispatch/internal/modules/trip"
	"ambudispatch/internal/modules/vehicle"
	"ambudispatch/internal/store/storetest"
	"ambudispatch/internal/types"
)

// tokenTable maps raw bearer tokens to principals.
type tokenTable map[string]types.Principal

func (t tokenTable) VerifyIDToken(_ context.Context, raw string) (*infra.VerifiedToken, error) {
	p, ok := t[raw]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &infra.VerifiedToken{UID: string(p.UserID), Claims: map[string]interface{}{"role": string(p.Role)}}, nil
}

type api struct {
	t       *testing.T
	f       *storetest.Fixture
	router  *gin.Engine
	tokens  tokenTable
	rec     *events.Recorder
	pickup  types.ID
	dropoff types.ID
	vehicle types.ID
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()
	f := storetest.NewMemory(t)
	rec := &events.Recorder{}

	tokens := tokenTable{}
	patient := f.Patient(t, "ayesha")
	stranger := f.Patient(t, "bilal")
	op, driverID := f.Driver(t, "kamran")
	rival, rivalID := f.Driver(t, "sana")
	tokens["patient"] = patient
	tokens["stranger"] = stranger
	tokens["driver"] = op
	tokens["rival"] = rival

	a := &api{
		t:       t,
		f:       f,
		tokens:  tokens,
		rec:     rec,
		pickup:  f.Location(t, patient.UserID, "Clifton Block 5"),
		dropoff: f.Location(t, patient.UserID, "Aga Khan Hospital"),
		vehicle: f.Vehicle(t, driverID, true),
	}
	f.Vehicle(t, rivalID, true)

	a.router = httptransport.NewRouter(httptransport.ServerDeps{
		Requests:     request.NewService(f.Store, rec, log),
		Trips:        trip.NewService(f.Store, pricing.Schedule{BaseFare: 500, PerMinute: 5, Currency: "PKR"}, rec, log),
		Availability: availability.NewService(f.Store, rec, log),
		Vehicles:     vehicle.NewService(f.Store, log),
		Catalog:      vehicle.NewCatalog(f.Store, cache.NewMemory(), time.Minute, log),
		Locations:    location.NewService(f.Store, nil, log),
		Verifier:     tokens,
		Log:          log,
	})
	return a
}

func (a *api) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

type idStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (a *api) submit() string {
	a.t.Helper()
	w := a.do(http.MethodPost, "/api/requests", "patient", map[string]string{
		"pickup_id":  string(a.pickup),
		"dropoff_id": string(a.dropoff),
	})
	if w.Code != http.StatusCreated {
		a.t.Fatalf("submit: expected 201, got %d %s", w.Code, w.Body.String())
	}
	r := decode[idStatus](a.t, w)
	if r.Status != "pending" {
		a.t.Fatalf("submit: expected pending, got %s", r.Status)
	}
	return r.ID
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", w.Code, w.Body.String())
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	a := newAPI(t)
	for _, tok := range []string{"", "forged"} {
		if w := a.do(http.MethodGet, "/api/requests", tok, nil); w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", tok, w.Code)
		}
	}
}

func TestAPI_FullTrip(t *testing.T) {
	a := newAPI(t)
	id := a.submit()

	pending := decode[struct {
		Requests []idStatus `json:"requests"`
	}](t, a.do(http.MethodGet, "/api/driver/requests", "driver", nil))
	if len(pending.Requests) != 1 || pending.Requests[0].ID != id {
		t.Fatalf("expected the request in the pending list, got %+v", pending.Requests)
	}

	w := a.do(http.MethodPost, "/api/driver/requests/"+id+"/accept", "driver", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d %s", w.Code, w.Body.String())
	}
	if a.f.Availability(t, a.vehicle) {
		t.Fatalf("vehicle should be reserved after accept")
	}

	w = a.do(http.MethodPost, "/api/driver/requests/"+id+"/start", "driver", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d %s", w.Code, w.Body.String())
	}
	started := decode[idStatus](t, w)

	w = a.do(http.MethodPost, "/api/driver/trips/"+started.ID+"/end", "driver", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d %s", w.Code, w.Body.String())
	}
	ended := decode[struct {
		Trip struct {
			Status string `json:"status"`
			Fare   struct {
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"fare"`
		} `json:"trip"`
		Payment struct {
			Method string `json:"method"`
			Status string `json:"status"`
		} `json:"payment"`
	}](t, w)
	if ended.Trip.Status != "completed" || ended.Trip.Fare.Currency != "PKR" || ended.Trip.Fare.Amount < 500 {
		t.Fatalf("unexpected ended trip %+v", ended.Trip)
	}
	if ended.Payment.Method != "cash" || ended.Payment.Status != "pending" {
		t.Fatalf("unexpected payment %+v", ended.Payment)
	}
	if !a.f.Availability(t, a.vehicle) {
		t.Fatalf("vehicle should be free after the trip ends")
	}

	w = a.do(http.MethodGet, "/api/trips/"+started.ID, "patient", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("details: expected 200, got %d %s", w.Code, w.Body.String())
	}
	details := decode[struct {
		DistanceKm *float64 `json:"distance_km"`
		History    []struct {
			Status string `json:"status"`
		} `json:"history"`
		Driver *struct {
			LicenseNumber string `json:"license_number"`
		} `json:"driver"`
	}](t, w)
	if details.DistanceKm == nil || *details.DistanceKm <= 0 {
		t.Fatalf("expected a positive distance, got %v", details.DistanceKm)
	}
	if len(details.History) != 2 || details.History[0].Status != "in_progress" || details.History[1].Status != "completed" {
		t.Fatalf("unexpected history %+v", details.History)
	}
	if details.Driver == nil || details.Driver.LicenseNumber != "LIC-kamran" {
		t.Fatalf("unexpected driver %+v", details.Driver)
	}

	if w := a.do(http.MethodGet, "/api/trips/"+started.ID, "stranger", nil); w.Code != http.StatusForbidden {
		t.Fatalf("stranger details: expected 403, got %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/api/trips/missing", "patient", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing trip: expected 404, got %d", w.Code)
	}

	mine := decode[struct {
		Trips []idStatus `json:"trips"`
	}](t, a.do(http.MethodGet, "/api/trips", "patient", nil))
	if len(mine.Trips) != 1 || mine.Trips[0].ID != started.ID {
		t.Fatalf("unexpected requester trips %+v", mine.Trips)
	}
	driven := decode[struct {
		Trips []idStatus `json:"trips"`
	}](t, a.do(http.MethodGet, "/api/driver/trips", "driver", nil))
	if len(driven.Trips) != 1 {
		t.Fatalf("unexpected driver trips %+v", driven.Trips)
	}
}

func TestAPI_ConcurrentAcceptSingleWinner(t *testing.T) {
	a := newAPI(t)
	id := a.submit()

	start := make(chan struct{})
	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for _, tok := range []string{"driver", "rival"} {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			<-start
			codes <- a.do(http.MethodPost, "/api/driver/requests/"+id+"/accept", tok, nil).Code
		}(tok)
	}
	close(start)
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	if counts[http.StatusOK] != 1 || counts[http.StatusConflict] != 1 {
		t.Fatalf("expected one 200 and one 409, got %v", counts)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := newAPI(t)
	id := a.submit()

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"missing body field", http.MethodPost, "/api/requests", "patient", map[string]string{"pickup_id": "x"}, http.StatusBadRequest},
		{"unknown location", http.MethodPost, "/api/requests", "patient", map[string]string{"pickup_id": "nope", "dropoff_id": "nope"}, http.StatusNotFound},
		{"driver cannot submit", http.MethodPost, "/api/requests", "driver", map[string]string{"pickup_id": string(a.pickup), "dropoff_id": string(a.dropoff)}, http.StatusForbidden},
		{"patient cannot accept", http.MethodPost, "/api/driver/requests/" + id + "/accept", "patient", nil, http.StatusForbidden},
		{"stranger cannot cancel", http.MethodPost, "/api/requests/" + id + "/cancel", "stranger", nil, http.StatusForbidden},
		{"start before accept", http.MethodPost, "/api/driver/requests/" + id + "/start", "driver", nil, http.StatusForbidden},
		{"availability needs free", http.MethodPut, "/api/driver/vehicles/" + string(a.vehicle) + "/availability", "driver", map[string]string{}, http.StatusBadRequest},
		{"bad latitude", http.MethodPost, "/api/locations", "patient", map[string]float64{"lat": 120, "lng": 67}, http.StatusBadRequest},
		{"non-driver cache purge", http.MethodDelete, "/api/cache/vehicle-types", "patient", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(tc.method, tc.path, tc.token, tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	if w := a.do(http.MethodPost, "/api/requests/"+id+"/cancel", "patient", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", w.Code)
	}
	if w := a.do(http.MethodPost, "/api/requests/"+id+"/cancel", "patient", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("second cancel: expected 400, got %d", w.Code)
	}
}

func TestAPI_VehiclesAndCatalog(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/api/driver/vehicles", "driver", map[string]string{
		"type_id": string(storetest.DefaultType),
		"number":  " khi-911 ",
		"label":   "night shift",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d %s", w.Code, w.Body.String())
	}
	registered := decode[struct {
		ID     string `json:"id"`
		Number string `json:"number"`
		Free   *bool  `json:"free"`
	}](t, w)
	if registered.Number != "KHI-911" || registered.Free == nil || *registered.Free {
		t.Fatalf("unexpected registration %+v", registered)
	}

	w = a.do(http.MethodPost, "/api/driver/vehicles", "driver", map[string]string{"type_id": string(storetest.DefaultType), "number": "KHI-911"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate number: expected 409, got %d", w.Code)
	}

	w = a.do(http.MethodPut, "/api/driver/vehicles/"+registered.ID, "driver", map[string]string{
		"type_id": string(storetest.DefaultType),
		"number":  "khi-912",
		"label":   "day shift",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d %s", w.Code, w.Body.String())
	}
	if updated := decode[struct {
		Number string `json:"number"`
		Label  string `json:"label"`
	}](t, w); updated.Number != "KHI-912" || updated.Label != "day shift" {
		t.Fatalf("unexpected update %+v", updated)
	}
	if w := a.do(http.MethodPut, "/api/driver/vehicles/"+registered.ID, "rival", map[string]string{"type_id": string(storetest.DefaultType), "number": "KHI-913"}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign update: expected 403, got %d", w.Code)
	}
	if w := a.do(http.MethodPut, "/api/driver/vehicles/"+registered.ID, "driver", map[string]string{"type_id": "vt-none", "number": "KHI-913"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown type: expected 404, got %d", w.Code)
	}

	w = a.do(http.MethodPut, "/api/driver/vehicles/"+registered.ID+"/availability", "driver", map[string]bool{"free": true})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: expected 200, got %d %s", w.Code, w.Body.String())
	}
	if w := a.do(http.MethodPut, "/api/driver/vehicles/"+registered.ID+"/availability", "rival", map[string]bool{"free": false}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign toggle: expected 403, got %d", w.Code)
	}

	fleet := decode[struct {
		Vehicles []struct {
			ID string `json:"id"`
		} `json:"vehicles"`
	}](t, a.do(http.MethodGet, "/api/driver/vehicles", "driver", nil))
	if len(fleet.Vehicles) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(fleet.Vehicles))
	}

	if w := a.do(http.MethodDelete, "/api/driver/vehicles/"+registered.ID, "driver", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}

	catalog := decode[struct {
		VehicleTypes []struct {
			ID string `json:"id"`
		} `json:"vehicle_types"`
	}](t, a.do(http.MethodGet, "/api/vehicle-types", "patient", nil))
	if len(catalog.VehicleTypes) == 0 || catalog.VehicleTypes[0].ID != string(storetest.DefaultType) {
		t.Fatalf("unexpected catalog %+v", catalog.VehicleTypes)
	}
	if w := a.do(http.MethodDelete, "/api/cache/vehicle-types", "driver", nil); w.Code != http.StatusNoContent {
		t.Fatalf("invalidate: expected 204, got %d", w.Code)
	}
}

func TestAPI_Locations(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodPost, "/api/locations", "patient", map[string]any{"address": "Saddar", "lat": 24.85, "lng": 67.03})
	if w.Code != http.StatusCreated {
		t.Fatalf("save: expected 201, got %d %s", w.Code, w.Body.String())
	}
	saved := decode[struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}](t, w)

	got := decode[struct {
		Address string  `json:"address"`
		Lat     float64 `json:"lat"`
	}](t, a.do(http.MethodGet, "/api/locations/"+saved.ID, "patient", nil))
	if got.Address != "Saddar" || got.Lat != 24.85 {
		t.Fatalf("unexpected location %+v", got)
	}
	if w := a.do(http.MethodGet, "/api/locations/nope", "patient", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing location: expected 404, got %d", w.Code)
	}
}
