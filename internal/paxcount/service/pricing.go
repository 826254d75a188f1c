package service

import (
	"math"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// Occupancy thresholds are percentages of bus capacity.
const (
	occupancyLow    = 30.0
	occupancyMedium = 60.0
	occupancyHigh   = 85.0

	demandLow      = 0.75
	demandMedium   = 0.95
	demandHigh     = 1.10
	demandVeryHigh = 1.40

	timePeak   = 1.20
	timeNight  = 0.80
	timeNormal = 1.00

	dayWeekend = 1.15
	dayWeekday = 1.00

	priceMinCoeff = 0.70
	priceMaxCoeff = 1.50
	priceStep     = 5.0
)

// CalculatePrice recommends a fare for the current load. at is interpreted
// in its own location; the caller passes local time.
func CalculatePrice(basePrice float64, passengers, capacity int, at time.Time) types.PriceRecommendation {
	rec := types.PriceRecommendation{
		BasePrice:    basePrice,
		CalculatedAt: at.Unix(),
	}
	if capacity > 0 {
		rec.OccupancyRate = float64(passengers) / float64(capacity) * 100
	}
	rec.DemandCoefficient = demandCoefficient(rec.OccupancyRate)
	rec.TimeCoefficient = timeCoefficient(at.Hour())
	rec.DayCoefficient = dayCoefficient(at.Weekday())

	raw := basePrice * rec.DemandCoefficient * rec.TimeCoefficient * rec.DayCoefficient
	raw = math.Min(math.Max(raw, basePrice*priceMinCoeff), basePrice*priceMaxCoeff)
	rec.RecommendedPrice = math.Round(raw/priceStep) * priceStep
	return rec
}

func demandCoefficient(occupancy float64) float64 {
	switch {
	case occupancy < occupancyLow:
		return demandLow
	case occupancy < occupancyMedium:
		return demandMedium
	case occupancy < occupancyHigh:
		return demandHigh
	default:
		return demandVeryHigh
	}
}

func timeCoefficient(hour int) float64 {
	switch {
	case (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19):
		return timePeak
	case hour >= 23 || hour <= 6:
		return timeNight
	default:
		return timeNormal
	}
}

func dayCoefficient(d time.Weekday) float64 {
	if d == time.Saturday || d == time.Sunday {
		return dayWeekend
	}
	return dayWeekday
}

// PriceCategory labels a recommendation relative to the base fare.
func PriceCategory(basePrice, recommended float64) string {
	if basePrice <= 0 {
		return "NORMAL"
	}
	ratio := recommended / basePrice
	switch {
	case ratio < 0.90:
		return "DISCOUNT"
	case ratio < 1.00:
		return "LOW"
	case ratio < 1.15:
		return "NORMAL"
	case ratio < 1.30:
		return "HIGH"
	default:
		return "PEAK"
	}
}
