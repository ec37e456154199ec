package geo

import (
	"math"
	"testing"

	"wastenav/internal/model"
)

func almostEqual(a, b, eps float64) bool { return math.Abs(a-b) < eps }

func TestHaversineZeroForSamePoint(t *testing.T) {
	p := model.GeoPoint{Lon: 85.30, Lat: 27.70}
	if d := Haversine(p, p); d != 0 {
		t.Fatalf("distance to self should be 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Kathmandu -> Pokhara, roughly 145 km great-circle
	ktm := model.GeoPoint{Lon: 85.3240, Lat: 27.7172}
	pkr := model.GeoPoint{Lon: 83.9856, Lat: 28.2096}
	d := Haversine(ktm, pkr)
	if d < 130 || d > 160 {
		t.Fatalf("KTM-PKR distance out of expected band: %f", d)
	}
}

func TestHaversineSymmetry(t *testing.T) {
	a := model.GeoPoint{Lon: 85.30, Lat: 27.70}
	b := model.GeoPoint{Lon: 85.32, Lat: 27.72}
	if d1, d2 := Haversine(a, b), Haversine(b, a); !almostEqual(d1, d2, 1e-9) {
		t.Fatalf("haversine not symmetric: %f vs %f", d1, d2)
	}
}

func TestPathDistanceShortLists(t *testing.T) {
	if d := PathDistanceKm(nil); d != 0 {
		t.Fatalf("empty path: got %f", d)
	}
	one := []model.Stop{{Location: model.GeoPoint{Lon: 85.3, Lat: 27.7}}}
	if d := PathDistanceKm(one); d != 0 {
		t.Fatalf("single stop path: got %f", d)
	}
}

func TestPathDistanceIsSumOfLegs(t *testing.T) {
	a := model.Stop{Location: model.GeoPoint{Lon: 85.30, Lat: 27.70}}
	b := model.Stop{Location: model.GeoPoint{Lon: 85.32, Lat: 27.72}}
	c := model.Stop{Location: model.GeoPoint{Lon: 85.31, Lat: 27.69}}
	total := PathDistanceKm([]model.Stop{a, b, c})
	want := Haversine(a.Location, b.Location) + Haversine(b.Location, c.Location)
	if !almostEqual(total, want, 1e-9) {
		t.Fatalf("path distance %f != leg sum %f", total, want)
	}
	// reversal yields the same total
	rev := PathDistanceKm([]model.Stop{c, b, a})
	if !almostEqual(total, rev, 1e-9) {
		t.Fatalf("reversed path distance %f != %f", rev, total)
	}
}

func TestRouteMetricsRounding(t *testing.T) {
	stops := []model.Stop{
		{Location: model.GeoPoint{Lon: 85.30, Lat: 27.70}},
		{Location: model.GeoPoint{Lon: 85.32, Lat: 27.72}},
	}
	m := RouteMetrics(stops, DefaultCostParams())
	if m.TotalDistanceKm <= 0 {
		t.Fatalf("expected positive distance, got %f", m.TotalDistanceKm)
	}
	if m.TotalDistanceKm != Round2(m.TotalDistanceKm) {
		t.Fatalf("distance not rounded to 2 decimals: %v", m.TotalDistanceKm)
	}
	if m.EstimatedFuelCost != math.Trunc(m.EstimatedFuelCost) {
		t.Fatalf("fuel cost should be a whole number: %v", m.EstimatedFuelCost)
	}
	if m.CO2EmissionsKg != Round2(m.CO2EmissionsKg) {
		t.Fatalf("emissions not rounded to 2 decimals: %v", m.CO2EmissionsKg)
	}
}

func TestRouteMetricsFormula(t *testing.T) {
	stops := []model.Stop{
		{Location: model.GeoPoint{Lon: 85.30, Lat: 27.70}},
		{Location: model.GeoPoint{Lon: 85.40, Lat: 27.80}},
	}
	p := CostParams{FuelEfficiencyKmPerL: 10, FuelPricePerL: 100, CO2KgPerL: 2}
	dist := PathDistanceKm(stops)
	m := RouteMetrics(stops, p)
	if want := math.Round(dist / 10 * 100); m.EstimatedFuelCost != want {
		t.Fatalf("fuel cost: got %f want %f", m.EstimatedFuelCost, want)
	}
	if want := Round2(dist / 10 * 2); m.CO2EmissionsKg != want {
		t.Fatalf("emissions: got %f want %f", m.CO2EmissionsKg, want)
	}
}

func TestParamsFromEnvOverride(t *testing.T) {
	t.Setenv("FUEL_EFFICIENCY_KM_L", "12.5")
	t.Setenv("FUEL_PRICE_PER_L", "90")
	p := ParamsFromEnv()
	if p.FuelEfficiencyKmPerL != 12.5 || p.FuelPricePerL != 90 {
		t.Fatalf("env override not applied: %+v", p)
	}
	if p.CO2KgPerL != 2.3 {
		t.Fatalf("unset var should keep default, got %f", p.CO2KgPerL)
	}
}
