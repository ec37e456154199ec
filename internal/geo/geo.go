// Package geo holds the pure geometric and cost computations for routes.
package geo

import (
	"math"
	"os"
	"strconv"

	"wastenav/internal/model"
)

// EarthRadiusKm is the sphere radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// CostParams converts route distance into fuel cost and CO2 emissions.
type CostParams struct {
	FuelEfficiencyKmPerL float64
	FuelPricePerL        float64
	CO2KgPerL            float64
}

// DefaultCostParams returns the stock parameters: 8 km/l, 150/l, 2.3 kg CO2/l.
func DefaultCostParams() CostParams {
	return CostParams{FuelEfficiencyKmPerL: 8, FuelPricePerL: 150, CO2KgPerL: 2.3}
}

// ParamsFromEnv overrides defaults from FUEL_EFFICIENCY_KM_L, FUEL_PRICE_PER_L
// and CO2_KG_PER_L when set.
func ParamsFromEnv() CostParams {
	p := DefaultCostParams()
	if v, err := strconv.ParseFloat(os.Getenv("FUEL_EFFICIENCY_KM_L"), 64); err == nil && v > 0 {
		p.FuelEfficiencyKmPerL = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("FUEL_PRICE_PER_L"), 64); err == nil && v > 0 {
		p.FuelPricePerL = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("CO2_KG_PER_L"), 64); err == nil && v > 0 {
		p.CO2KgPerL = v
	}
	return p
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// PathDistanceKm sums the haversine distance over consecutive stop pairs in
// list order. Zero for fewer than two stops.
func PathDistanceKm(stops []model.Stop) float64 {
	total := 0.0
	for i := 0; i+1 < len(stops); i++ {
		total += Haversine(stops[i].Location, stops[i+1].Location)
	}
	return total
}

// RouteMetrics recomputes the full derived metric set from the stop list.
// Distance and emissions are rounded to 2 decimals, cost to the nearest
// integer. Metrics are never patched incrementally.
func RouteMetrics(stops []model.Stop, p CostParams) model.RouteMetrics {
	dist := PathDistanceKm(stops)
	liters := dist / p.FuelEfficiencyKmPerL
	return model.RouteMetrics{
		TotalDistanceKm:   Round2(dist),
		EstimatedFuelCost: math.Round(liters * p.FuelPricePerL),
		CO2EmissionsKg:    Round2(liters * p.CO2KgPerL),
	}
}

// Round2 rounds to 2 decimal places.
func Round2(x float64) float64 { return math.Round(x*100) / 100 }
