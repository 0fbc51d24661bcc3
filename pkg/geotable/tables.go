package geotable

import (
	"github.com/paulmach/orb"
	"github.com/travigo/transport-performance/pkg/geo"
)

type PopulationCell struct {
	ID                int64        `json:"id" groups:"map"`
	Population        float64      `json:"population" groups:"map"`
	WithinUrbanCentre bool         `json:"within_urban_centre" groups:"map"`
	Geometry          orb.Geometry `json:"-"`
}

type PopulationGrid struct {
	CRS   geo.CRS
	Cells []PopulationCell
}

type Centroid struct {
	ID                int64     `json:"id" groups:"map"`
	WithinUrbanCentre bool      `json:"within_urban_centre" groups:"map"`
	Point             orb.Point `json:"-"`
}

type CentroidSet struct {
	CRS    geo.CRS
	Points []Centroid
}

// Population returns the population of each cell keyed by id.
func (g *PopulationGrid) Population() map[int64]float64 {
	population := make(map[int64]float64, len(g.Cells))
	for _, cell := range g.Cells {
		population[cell.ID] = cell.Population
	}

	return population
}

type PerformanceCell struct {
	ID                   int64        `json:"id" groups:"map"`
	AccessiblePopulation float64      `json:"accessible_population" groups:"map"`
	ProximityPopulation  float64      `json:"proximity_population" groups:"map"`
	TransportPerformance float64      `json:"transport_performance" groups:"map"`
	Geometry             orb.Geometry `json:"-"`
}

type Performance struct {
	CRS   geo.CRS
	Cells []PerformanceCell
}

type StatsRow struct {
	UrbanCentreName       string  `csv:"urban centre name"`
	UrbanCentreCountry    string  `csv:"urban centre country"`
	UrbanCentreArea       float64 `csv:"urban centre area"`
	UrbanCentrePopulation float64 `csv:"urban centre population"`
	Min                   float64 `csv:"min"`
	Percentile25          float64 `csv:"25 percentile"`
	Median                float64 `csv:"median"`
	Percentile75          float64 `csv:"75 percentile"`
	Max                   float64 `csv:"max"`
}

// ODPair is one row of the travel time matrix. TravelTime is in minutes and
// NaN when the destination cannot be reached.
type ODPair struct {
	FromID     int64   `parquet:"from_id"`
	ToID       int64   `parquet:"to_id"`
	TravelTime float64 `parquet:"travel_time"`
}
