package metrics

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
)

func square(x, y, size float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}}
}

// threeCells lays three 1km Mollweide cells along the equator, where 1km of
// easting is about 1.11km on the ground.
func threeCells(t *testing.T) (*geotable.PopulationGrid, *geotable.CentroidSet, *geotable.UrbanCentre) {
	t.Helper()

	grid := &geotable.PopulationGrid{CRS: geo.Mollweide}
	centroids := &geotable.CentroidSet{CRS: geo.Mollweide}
	for i, population := range []float64{100, 200, 300} {
		id := int64(i + 1)
		x := float64(i) * 1000

		grid.Cells = append(grid.Cells, geotable.PopulationCell{ID: id, Population: population, Geometry: square(x, 0, 1000)})
		centroids.Points = append(centroids.Points, geotable.Centroid{ID: id, Point: orb.Point{x + 500, 500}})
	}

	uc, err := geotable.NewUrbanCentre(geo.Mollweide, []geotable.LabeledGeometry{
		{Label: geotable.LabelUrbanCentre, Geometry: square(1000, 0, 1000)},
		{Label: geotable.LabelBuffer, Geometry: square(-1000, -1000, 5000)},
		{Label: geotable.LabelBBox, Geometry: square(-2000, -2000, 7000)},
	})
	if err != nil {
		t.Fatal(err)
	}

	return grid, centroids, uc
}

func writeMatrix(t *testing.T, pairs []geotable.ODPair) string {
	t.Helper()

	dir := t.TempDir()
	if err := geotable.WriteODMatrix(filepath.Join(dir, "od_matrix.parquet"), pairs); err != nil {
		t.Fatal(err)
	}

	return dir
}

func TestAggregate(t *testing.T) {
	grid, centroids, uc := threeCells(t)
	dir := writeMatrix(t, []geotable.ODPair{
		{FromID: 1, ToID: 2, TravelTime: 10},
		{FromID: 2, ToID: 2, TravelTime: 0},
		{FromID: 3, ToID: 2, TravelTime: 50},
		{FromID: 1, ToID: 3, TravelTime: 5},
		{FromID: 2, ToID: 1, TravelTime: math.NaN()},
	})

	aggregator := &Aggregator{Logger: zerolog.Nop()}
	performance, stats, err := aggregator.Aggregate(context.Background(), collaborator.AggregateRequest{
		ODMatrixDir:         dir,
		Centroids:           centroids,
		Grid:                grid,
		TravelTimeThreshold: 45,
		DistanceThreshold:   1500,
		Name:                "Sampletown",
		Country:             "Wales",
		UrbanCentre:         uc,
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if len(performance.Cells) != 1 {
		t.Fatalf("expected only the urban centre cell, got %+v", performance.Cells)
	}

	cell := performance.Cells[0]
	if cell.ID != 2 || cell.AccessiblePopulation != 300 || cell.ProximityPopulation != 600 || cell.TransportPerformance != 50 {
		t.Fatalf("unexpected cell %+v", cell)
	}

	row := stats[0]
	if row.UrbanCentreName != "Sampletown" || row.UrbanCentrePopulation != 200 {
		t.Fatalf("unexpected stats %+v", row)
	}
	if math.Abs(row.UrbanCentreArea-1) > 1e-9 {
		t.Fatalf("unexpected area %v", row.UrbanCentreArea)
	}
	if row.Min != 50 || row.Median != 50 || row.Max != 50 {
		t.Fatalf("unexpected distribution %+v", row)
	}
}

func TestAggregateCountsRepeatedPairsOnce(t *testing.T) {
	grid, centroids, uc := threeCells(t)
	dir := t.TempDir()
	batches := map[string][]geotable.ODPair{
		"a.parquet": {{FromID: 1, ToID: 2, TravelTime: 10}, {FromID: 2, ToID: 2, TravelTime: 0}, {FromID: 1, ToID: 2, TravelTime: 12}},
		"b.parquet": {{FromID: 1, ToID: 2, TravelTime: 10}, {FromID: 2, ToID: 2, TravelTime: 0}},
	}
	for name, pairs := range batches {
		if err := geotable.WriteODMatrix(filepath.Join(dir, name), pairs); err != nil {
			t.Fatal(err)
		}
	}

	aggregator := &Aggregator{Logger: zerolog.Nop()}
	performance, _, err := aggregator.Aggregate(context.Background(), collaborator.AggregateRequest{
		ODMatrixDir:         dir,
		Centroids:           centroids,
		Grid:                grid,
		TravelTimeThreshold: 45,
		DistanceThreshold:   1500,
		UrbanCentre:         uc,
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	cell := performance.Cells[0]
	if cell.AccessiblePopulation != 300 || cell.TransportPerformance != 50 {
		t.Fatalf("repeated pairs were counted more than once: %+v", cell)
	}
}

func TestDedupePairsKeepsFirst(t *testing.T) {
	pairs, duplicates := dedupePairs([]geotable.ODPair{
		{FromID: 1, ToID: 2, TravelTime: 10},
		{FromID: 2, ToID: 1, TravelTime: 11},
		{FromID: 1, ToID: 2, TravelTime: 99},
	})

	if duplicates != 1 || len(pairs) != 2 {
		t.Fatalf("expected one duplicate dropped, got %d leaving %+v", duplicates, pairs)
	}
	if pairs[0].TravelTime != 10 || pairs[1].FromID != 2 {
		t.Fatalf("unexpected order %+v", pairs)
	}
}

func TestAggregateWithoutDestinations(t *testing.T) {
	grid, centroids, _ := threeCells(t)
	dir := writeMatrix(t, []geotable.ODPair{{FromID: 1, ToID: 2, TravelTime: 10}})

	aggregator := &Aggregator{Logger: zerolog.Nop()}
	_, _, err := aggregator.Aggregate(context.Background(), collaborator.AggregateRequest{
		ODMatrixDir:         dir,
		Centroids:           centroids,
		Grid:                grid,
		TravelTimeThreshold: 45,
		DistanceThreshold:   1500,
	})
	if !errors.Is(err, ErrNoDestinations) {
		t.Fatalf("expected ErrNoDestinations, got %v", err)
	}
}

func TestQuantile(t *testing.T) {
	sorted := []float64{0, 10, 20, 30, 40}

	tests := map[float64]float64{0: 0, 0.25: 10, 0.5: 20, 0.75: 30, 1: 40, 0.1: 4}
	for q, want := range tests {
		if got := quantile(sorted, q); math.Abs(got-want) > 1e-9 {
			t.Errorf("quantile(%v) = %v, want %v", q, got, want)
		}
	}

	if !math.IsNaN(quantile(nil, 0.5)) {
		t.Error("expected NaN for an empty slice")
	}
}
