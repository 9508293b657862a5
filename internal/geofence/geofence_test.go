package geofence

import (
	"math"
	"testing"

	"github.com/hitoshi/garagegate/internal/model"
)

var switzerland = model.BoundingBox{North: 47.8085, South: 45.8180, East: 10.4923, West: 5.9560}

func TestCalculateDistance_SamePointIsZero(t *testing.T) {
	p := model.GeoPoint{Lat: 47.3769, Lng: 8.5417}
	d, err := CalculateDistance(p, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 0 {
		t.Errorf("distance = %v, want 0", d)
	}
}

func TestCalculateDistance_Symmetric(t *testing.T) {
	zurich := model.GeoPoint{Lat: 47.3769, Lng: 8.5417}
	geneva := model.GeoPoint{Lat: 46.2044, Lng: 6.1432}

	ab, _ := CalculateDistance(zurich, geneva)
	ba, _ := CalculateDistance(geneva, zurich)
	if math.Abs(ab-ba) > 1e-6 {
		t.Errorf("distance not symmetric: %v vs %v", ab, ba)
	}
	// チューリッヒ-ジュネーブ間は約224km
	if ab < 220000 || ab > 230000 {
		t.Errorf("distance = %v, want ~224km", ab)
	}
}

func TestCalculateDistance_OneDegreeLatitude(t *testing.T) {
	d, _ := CalculateDistance(model.GeoPoint{Lat: 0, Lng: 0}, model.GeoPoint{Lat: 1, Lng: 0})
	want := EarthRadiusMeters * math.Pi / 180
	if math.Abs(d-want) > 0.001 {
		t.Errorf("distance = %v, want %v", d, want)
	}
}

func TestCalculateDistance_InvalidInput(t *testing.T) {
	valid := model.GeoPoint{Lat: 47, Lng: 8}
	invalid := []model.GeoPoint{
		{Lat: 91, Lng: 0},
		{Lat: -91, Lng: 0},
		{Lat: 0, Lng: 181},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
		{Lat: 0, Lng: math.Inf(1)},
	}
	for _, p := range invalid {
		_, err := CalculateDistance(valid, p)
		if model.ErrorCode(err) != model.ErrCodeValidation {
			t.Errorf("CalculateDistance(%+v) err = %v, want VALIDATION_ERROR", p, err)
		}
	}
}

func TestIsValidCoordinate_Boundaries(t *testing.T) {
	for _, p := range []model.GeoPoint{{Lat: 90, Lng: 180}, {Lat: -90, Lng: -180}, {Lat: 0, Lng: 0}} {
		if !IsValidCoordinate(p) {
			t.Errorf("IsValidCoordinate(%+v) = false, want true", p)
		}
	}
}

func TestIsInRegion(t *testing.T) {
	tests := []struct {
		name  string
		point model.GeoPoint
		want  bool
	}{
		{"zurich", model.GeoPoint{Lat: 47.3769, Lng: 8.5417}, true},
		{"north edge inclusive", model.GeoPoint{Lat: 47.8085, Lng: 8}, true},
		{"west edge inclusive", model.GeoPoint{Lat: 46.5, Lng: 5.9560}, true},
		{"paris", model.GeoPoint{Lat: 48.8566, Lng: 2.3522}, false},
		{"milan", model.GeoPoint{Lat: 45.4642, Lng: 9.19}, false},
		{"nan", model.GeoPoint{Lat: math.NaN(), Lng: 8}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInRegion(tt.point, switzerland); got != tt.want {
				t.Errorf("IsInRegion = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsWithinRange_AllowedAndDenied(t *testing.T) {
	target := model.GeoPoint{Lat: 47.3769, Lng: 8.5417}
	near := model.GeoPoint{Lat: 47.3779, Lng: 8.5417} // 約111m北
	far := model.GeoPoint{Lat: 47.3969, Lng: 8.5417}  // 約2.2km北

	res := IsWithinRange(near, target, 1000)
	if !res.Allowed || res.Accuracy != AccuracyHigh {
		t.Errorf("near: %+v, want allowed with high accuracy", res)
	}
	if res.Distance < 100 || res.Distance > 120 {
		t.Errorf("near distance = %v, want ~111", res.Distance)
	}

	res = IsWithinRange(far, target, 1000)
	if res.Allowed {
		t.Errorf("far: %+v, want denied", res)
	}
	if res.MaxDistance != 1000 {
		t.Errorf("MaxDistance = %v, want 1000", res.MaxDistance)
	}
}

func TestIsWithinRange_ExactBoundaryAllowed(t *testing.T) {
	target := model.GeoPoint{Lat: 0, Lng: 0}
	user := model.GeoPoint{Lat: 1, Lng: 0}
	d, _ := CalculateDistance(user, target)

	if res := IsWithinRange(user, target, d); !res.Allowed {
		t.Errorf("distance equal to max should be allowed: %+v", res)
	}
}

func TestIsWithinRange_FailsClosed(t *testing.T) {
	target := model.GeoPoint{Lat: 47, Lng: 8}
	res := IsWithinRange(model.GeoPoint{Lat: math.NaN(), Lng: 8}, target, 1e9)
	if res.Allowed {
		t.Error("invalid input must never be allowed")
	}
	if res.Accuracy != AccuracyError {
		t.Errorf("Accuracy = %q, want %q", res.Accuracy, AccuracyError)
	}
}

func TestLocationBounds_ContainsCenterAndScalesWithRadius(t *testing.T) {
	center := model.GeoPoint{Lat: 47.3769, Lng: 8.5417}
	box := LocationBounds(center, 1000)

	if !IsInRegion(center, box) {
		t.Error("bounds must contain the center")
	}
	latSpan := box.North - box.South
	if math.Abs(latSpan-2*1000/metersPerDegreeLat) > 1e-9 {
		t.Errorf("lat span = %v", latSpan)
	}
	// 高緯度では経度方向の幅が広がる
	if box.East-box.West <= latSpan {
		t.Errorf("lng span %v should exceed lat span %v at 47°N", box.East-box.West, latSpan)
	}
}
