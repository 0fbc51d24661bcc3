// Package metrics turns a travel time matrix into per cell transport
// performance and an area summary.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/collaborator"
	tpgeo "github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
)

var ErrNoDestinations = errors.New("no destinations inside the urban centre")

type Aggregator struct {
	Logger zerolog.Logger
}

type origin struct {
	point      orb.Point
	population float64
}

// Aggregate computes, for every destination cell in the urban centre, the
// population that reaches it within both thresholds as a percentage of the
// population living within the distance threshold.
func (a *Aggregator) Aggregate(ctx context.Context, request collaborator.AggregateRequest) (*geotable.Performance, []geotable.StatsRow, error) {
	pairs, err := geotable.ReadODMatrix(request.ODMatrixDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read od matrix: %w", err)
	}
	pairs, duplicates := dedupePairs(pairs)
	if duplicates > 0 {
		a.Logger.Warn().Int("duplicates", duplicates).Msg("Dropped repeated origin destination pairs")
	}

	population := request.Grid.Population()

	origins := map[int64]origin{}
	for _, centroid := range request.Centroids.Points {
		point, err := tpgeo.ReprojectPoint(centroid.Point, request.Centroids.CRS, tpgeo.WGS84)
		if err != nil {
			return nil, nil, err
		}
		origins[centroid.ID] = origin{point: point, population: population[centroid.ID]}
	}

	destinations, err := destinationsWithin(request)
	if err != nil {
		return nil, nil, err
	}
	if len(destinations) == 0 {
		return nil, nil, ErrNoDestinations
	}

	accessible := map[int64]float64{}
	for _, pair := range pairs {
		if !destinations[pair.ToID] || math.IsNaN(pair.TravelTime) || pair.TravelTime > request.TravelTimeThreshold {
			continue
		}

		from, ok1 := origins[pair.FromID]
		to, ok2 := origins[pair.ToID]
		if !ok1 || !ok2 {
			continue
		}

		if geo.Distance(from.point, to.point) <= request.DistanceThreshold {
			accessible[pair.ToID] += from.population
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	performance := &geotable.Performance{CRS: request.Grid.CRS}
	var values []float64

	for _, cell := range request.Grid.Cells {
		if !destinations[cell.ID] {
			continue
		}

		destination := origins[cell.ID]
		proximity := 0.0
		for _, o := range origins {
			if geo.Distance(o.point, destination.point) <= request.DistanceThreshold {
				proximity += o.population
			}
		}

		value := 0.0
		if proximity > 0 {
			value = accessible[cell.ID] / proximity * 100
		}

		performance.Cells = append(performance.Cells, geotable.PerformanceCell{
			ID:                   cell.ID,
			AccessiblePopulation: accessible[cell.ID],
			ProximityPopulation:  proximity,
			TransportPerformance: value,
			Geometry:             orb.Clone(cell.Geometry),
		})
		values = append(values, value)
	}

	stats, err := summarise(request, values)
	if err != nil {
		return nil, nil, err
	}

	a.Logger.Info().
		Int("pairs", len(pairs)).
		Int("cells", len(performance.Cells)).
		Float64("median", stats.Median).
		Msg("Aggregated transport performance")

	return performance, []geotable.StatsRow{stats}, nil
}

// dedupePairs keeps the first row for every (from_id, to_id). Batched origins
// can repeat a pair across files.
func dedupePairs(pairs []geotable.ODPair) ([]geotable.ODPair, int) {
	type key struct{ from, to int64 }

	seen := make(map[key]bool, len(pairs))
	unique := pairs[:0:0]
	for _, pair := range pairs {
		k := key{pair.FromID, pair.ToID}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, pair)
	}

	return unique, len(pairs) - len(unique)
}

// destinationsWithin returns the centroid ids inside the urban centre, or the
// flagged ones when no urban centre geometry is given.
func destinationsWithin(request collaborator.AggregateRequest) (map[int64]bool, error) {
	destinations := map[int64]bool{}

	if request.UrbanCentre.Empty() {
		for _, centroid := range request.Centroids.Points {
			if centroid.WithinUrbanCentre {
				destinations[centroid.ID] = true
			}
		}
		return destinations, nil
	}

	boundary, err := request.UrbanCentre.GeometryIn(geotable.LabelUrbanCentre, request.Centroids.CRS)
	if err != nil {
		return nil, err
	}

	for _, centroid := range request.Centroids.Points {
		if contains(boundary, centroid.Point) {
			destinations[centroid.ID] = true
		}
	}

	return destinations, nil
}

func contains(boundary orb.Geometry, point orb.Point) bool {
	switch g := boundary.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, point)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, point)
	case orb.Bound:
		return g.Contains(point)
	}

	return false
}

func summarise(request collaborator.AggregateRequest, values []float64) (geotable.StatsRow, error) {
	stats := geotable.StatsRow{
		UrbanCentreName:    request.Name,
		UrbanCentreCountry: request.Country,
	}

	if !request.UrbanCentre.Empty() {
		// Mollweide is equal area, so planar area there is true area.
		boundary, err := request.UrbanCentre.GeometryIn(geotable.LabelUrbanCentre, tpgeo.Mollweide)
		if err != nil {
			return stats, err
		}
		stats.UrbanCentreArea = planar.Area(boundary) / 1e6
	}

	destinations, err := destinationsWithin(request)
	if err != nil {
		return stats, err
	}
	for _, cell := range request.Grid.Cells {
		if destinations[cell.ID] {
			stats.UrbanCentrePopulation += cell.Population
		}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	stats.Min = quantile(sorted, 0)
	stats.Percentile25 = quantile(sorted, 0.25)
	stats.Median = quantile(sorted, 0.5)
	stats.Percentile75 = quantile(sorted, 0.75)
	stats.Max = quantile(sorted, 1)

	return stats, nil
}

// quantile interpolates linearly between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}

	position := q * float64(len(sorted)-1)
	lower := int(math.Floor(position))
	upper := int(math.Ceil(position))

	return sorted[lower] + (sorted[upper]-sorted[lower])*(position-float64(lower))
}
