package location

import (
	"math"
	"testing"

	"ambudispatch/internal/types"
)

func TestDistanceKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{"same point", types.Point{Lat: 24.8607, Lng: 67.0011}, types.Point{Lat: 24.8607, Lng: 67.0011}, 0, 0.001},
		{"Karachi to Hyderabad (~150km)", types.Point{Lat: 24.8607, Lng: 67.0011}, types.Point{Lat: 25.3960, Lng: 68.3578}, 150, 10},
		{"Lahore to Islamabad (~270km)", types.Point{Lat: 31.5204, Lng: 74.3587}, types.Point{Lat: 33.6844, Lng: 73.0479}, 270, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("DistanceKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	d1 := haversineKm(25.0, 67.0, 26.0, 68.0)
	d2 := haversineKm(26.0, 68.0, 25.0, 67.0)
	if math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}
