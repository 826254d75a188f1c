package types

// TripConfig is served by GET /iot/config/{trip_id}.
type TripConfig struct {
	TripID      int64   `json:"trip_id"`
	RouteID     int64   `json:"route_id"`
	BusCapacity int     `json:"bus_capacity"`
	BasePrice   float64 `json:"base_price"`
}

// Valid reports whether the config can drive pricing. An invalid config
// fetched from the server is ignored in favour of the cached one.
func (c TripConfig) Valid() bool {
	return c.TripID > 0 && c.BusCapacity > 0 && c.BasePrice > 0
}

// PriceRecommendation is the output of the pricing collaborator.
type PriceRecommendation struct {
	BasePrice         float64 `json:"base_price"`
	RecommendedPrice  float64 `json:"recommended_price"`
	OccupancyRate     float64 `json:"occupancy_rate"`
	DemandCoefficient float64 `json:"demand_coefficient"`
	TimeCoefficient   float64 `json:"time_coefficient"`
	DayCoefficient    float64 `json:"day_coefficient"`
	CalculatedAt      int64   `json:"-"`
}

// PriceRecommendationRequest is the body of POST /iot/price.
type PriceRecommendationRequest struct {
	TripID int64 `json:"trip_id"`
	PriceRecommendation
}
