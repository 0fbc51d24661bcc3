package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/config"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/gtfs"
	"github.com/travigo/transport-performance/pkg/metrics"
	"github.com/travigo/transport-performance/pkg/osm"
	"github.com/travigo/transport-performance/pkg/workspace"
)

const sampleConfig = `
[general]
area_name = "sampletown"
area_country = "wales"
analysis_date = "20231027"
max_time = 45
max_distance = 11250
data_dir = %q

[urban_centre]
bbox = [-3.06, 51.5, -2.9, 51.64]
bbox_crs = "EPSG:4326"
centre = [-3.0, 51.58]
centre_crs = "EPSG:4326"
buffer_size = 12000
buffer_estimation_crs = "ESRI:54009"

[population]
threshold = 1

[gtfs]
units = "km"

[osm]
tags = ["highway", "railway=rail|light_rail"]

[analyse_network]
departure_hour = 8
departure_minute = 0
departure_time_window = "PT1H"
max_time = 45

[options]
compute_summaries = true
`

// sampleFeed has no calendar.txt so the run has to synthesise one.
var sampleFeed = map[string]string{
	"agency.txt": "agency_id,agency_name,agency_url,agency_timezone\n" +
		"A1,Sampletown Buses,https://example.com,Europe/London\n",
	"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
		"S1,Centre,51.58,-3.00\n" +
		"S2,Station,51.59,-2.99\n",
	"routes.txt": "route_id,agency_id,route_short_name,route_type\n" +
		"R1,A1,1,3\n",
	"trips.txt": "route_id,service_id,trip_id\n" +
		"R1,FRIDAY,T1\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"T1,08:00:00,08:00:00,S1,1\n" +
		"T1,08:10:00,08:10:00,S2,2\n",
	"calendar_dates.txt": "service_id,date,exception_type\n" +
		"FRIDAY,20231027,1\n",
}

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeFeed(t *testing.T, path string, files map[string]string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	archive := zip.NewWriter(file)
	for name, contents := range files {
		writer, err := archive.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := writer.Write([]byte(contents)); err != nil {
			t.Fatal(err)
		}
	}
	if err := archive.Close(); err != nil {
		t.Fatal(err)
	}
}

// sampleInputs lays out one OSM extract, one feed and both raster directories.
func sampleInputs(t *testing.T) string {
	t.Helper()

	dataDir := t.TempDir()
	inputs := filepath.Join(dataDir, "inputs")

	writeFile(t, filepath.Join(inputs, "wales", "osm", "sampletown.osm.pbf"), "pbf")
	writeFeed(t, filepath.Join(inputs, "wales", "gtfs", "sampletown.zip"), sampleFeed)
	writeFile(t, filepath.Join(inputs, UrbanCentreInputDir, "uc.tif"), "tif")
	writeFile(t, filepath.Join(inputs, PopulationInputDir, "pop.tif"), "tif")

	return dataDir
}

func loadConfig(t *testing.T, dataDir string) *config.RunConfiguration {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, fmt.Sprintf(sampleConfig, dataDir))

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	return cfg
}

func square(centre orb.Point, half float64) orb.Polygon {
	return orb.Bound{
		Min: orb.Point{centre[0] - half, centre[1] - half},
		Max: orb.Point{centre[0] + half, centre[1] + half},
	}.ToPolygon()
}

func mollweideCentre(t *testing.T) orb.Point {
	t.Helper()

	centre, err := geo.ReprojectPoint(orb.Point{-3.0, 51.58}, geo.WGS84, geo.Mollweide)
	if err != nil {
		t.Fatal(err)
	}

	return centre
}

type fakeRaster struct {
	merged []string
}

func (f *fakeRaster) Merge(ctx context.Context, inputDir string, outputDir string, outputName string, subset *regexp.Regexp) (string, error) {
	path := filepath.Join(outputDir, outputName)
	f.merged = append(f.merged, path)

	return path, os.WriteFile(path, []byte("merged "+inputDir), 0o644)
}

func (f *fakeRaster) SumResample(ctx context.Context, inputPath string, outputPath string) error {
	return os.WriteFile(outputPath, []byte("resampled "+inputPath), 0o644)
}

type handle struct {
	closed bool
	// outputs are checked for on disk at the moment the handle is released
	outputs          []string
	missingAtRelease []string
}

func (h *handle) Close() error {
	h.closed = true
	for _, path := range h.outputs {
		if _, err := os.Stat(path); err != nil {
			h.missingAtRelease = append(h.missingAtRelease, path)
		}
	}
	return nil
}

type fakeDetector struct {
	handle
	centre  orb.Point
	fail    bool
	request collaborator.UrbanCentreRequest
}

func (d *fakeDetector) Open(ctx context.Context, rasterPath string) (collaborator.UrbanCentreDetector, error) {
	return d, nil
}

func (d *fakeDetector) Detect(ctx context.Context, request collaborator.UrbanCentreRequest) (*geotable.UrbanCentre, error) {
	d.request = request
	if d.fail {
		return nil, errors.New("no urban centre above the density threshold")
	}

	return geotable.NewUrbanCentre(geo.Mollweide, []geotable.LabeledGeometry{
		{Label: geotable.LabelUrbanCentre, Geometry: square(d.centre, 1600)},
		{Label: geotable.LabelBuffer, Geometry: square(d.centre, 8000)},
		{Label: geotable.LabelBBox, Geometry: request.BBox},
	})
}

// fakePopulation is a 3x3 grid of 1km cells around the centre.
type fakePopulation struct {
	handle
	grid      *geotable.PopulationGrid
	centroids *geotable.CentroidSet
}

func newFakePopulation(centre orb.Point) *fakePopulation {
	f := &fakePopulation{
		grid:      &geotable.PopulationGrid{CRS: geo.Mollweide},
		centroids: &geotable.CentroidSet{CRS: geo.Mollweide},
	}

	id := int64(1)
	for i := -1; i <= 1; i++ {
		for j := -1; j <= 1; j++ {
			point := orb.Point{centre[0] + float64(i)*1000, centre[1] + float64(j)*1000}
			f.grid.Cells = append(f.grid.Cells, geotable.PopulationCell{
				ID:                id,
				Population:        float64(100 * id),
				WithinUrbanCentre: true,
				Geometry:          square(point, 500),
			})
			f.centroids.Points = append(f.centroids.Points, geotable.Centroid{ID: id, WithinUrbanCentre: true, Point: point})
			id++
		}
	}

	return f
}

func (f *fakePopulation) Open(ctx context.Context, rasterPath string) (collaborator.PopulationExtractor, error) {
	return f, nil
}

func (f *fakePopulation) Extract(ctx context.Context, request collaborator.PopulationRequest) (*geotable.PopulationGrid, *geotable.CentroidSet, error) {
	return f.grid, f.centroids, nil
}

type fakeOSM struct {
	tags *osm.TagFilter
}

func (f *fakeOSM) Filter(ctx context.Context, input string, output string, bbox orb.Bound, tags *osm.TagFilter) (osm.Stats, error) {
	f.tags = tags
	return osm.Stats{Nodes: 2, Ways: 1}, os.WriteFile(output, []byte("<osm></osm>"), 0o644)
}

// fakeNetwork walks at 100 metres a minute and cannot reach pairs more than
// 2km apart.
type fakeNetwork struct {
	handle
	centroids *geotable.CentroidSet
	request   collaborator.ODRequest
}

func (f *fakeNetwork) Build(ctx context.Context, request collaborator.NetworkRequest) (collaborator.NetworkAnalyser, error) {
	if len(request.GTFSPaths) == 0 || request.OSMPath == "" || request.CentroidsPath == "" {
		return nil, errors.New("incomplete network request")
	}

	return f, nil
}

func (f *fakeNetwork) ODMatrix(ctx context.Context, request collaborator.ODRequest) error {
	f.request = request

	var pairs []geotable.ODPair
	for _, from := range f.centroids.Points {
		for _, to := range f.centroids.Points {
			distance := math.Hypot(from.Point[0]-to.Point[0], from.Point[1]-to.Point[1])
			travelTime := distance / 100
			if distance > 2000 {
				travelTime = math.NaN()
			}
			pairs = append(pairs, geotable.ODPair{FromID: from.ID, ToID: to.ID, TravelTime: travelTime})
		}
	}

	return geotable.WriteODMatrix(filepath.Join(request.OutputDir, "od_matrix.parquet"), pairs)
}

type fakes struct {
	raster     *fakeRaster
	detector   *fakeDetector
	population *fakePopulation
	osm        *fakeOSM
	network    *fakeNetwork
}

func newServices(t *testing.T) (collaborator.Services, *fakes) {
	t.Helper()

	centre := mollweideCentre(t)
	population := newFakePopulation(centre)

	f := &fakes{
		raster:     &fakeRaster{},
		detector:   &fakeDetector{centre: centre},
		population: population,
		osm:        &fakeOSM{},
		network:    &fakeNetwork{centroids: population.centroids},
	}

	return collaborator.Services{
		Raster:      f.raster,
		UrbanCentre: f.detector,
		Population:  f.population,
		LoadFeeds:   gtfs.LoadFeedSet,
		OSM:         f.osm,
		Network:     f.network,
		Aggregator:  &metrics.Aggregator{Logger: zerolog.Nop()},
	}, f
}

func newPipeline(t *testing.T, dataDir string, opts ...Option) (*Pipeline, *fakes) {
	t.Helper()

	cfg := loadConfig(t, dataDir)
	layout, err := workspace.Build(cfg.General.DataDir, cfg.General.AreaName, true, workspace.WithClock(func() time.Time {
		return time.Date(2023, 10, 27, 9, len(opts), 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("build layout: %v", err)
	}

	services, f := newServices(t)
	p, err := New(cfg, layout, services, opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	return p, f
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name     string
		extracts []string
		err      error
	}{
		{name: "none", err: ErrInputNotFound},
		{name: "one", extracts: []string{"sampletown.osm.pbf"}},
		{name: "many", extracts: []string{"a.osm.pbf", "b.osm.pbf"}, err: ErrAmbiguousInput},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			inputs := filepath.Join(t.TempDir(), "inputs")
			writeFeed(t, filepath.Join(inputs, "wales", "gtfs", "sampletown.zip"), sampleFeed)
			os.MkdirAll(filepath.Join(inputs, "wales", "osm"), 0o755)
			os.MkdirAll(filepath.Join(inputs, UrbanCentreInputDir), 0o755)
			os.MkdirAll(filepath.Join(inputs, PopulationInputDir), 0o755)
			for _, extract := range test.extracts {
				writeFile(t, filepath.Join(inputs, "wales", "osm", extract), "pbf")
			}

			found, err := Discover(inputs, "wales", "None")
			if test.err != nil {
				if !errors.Is(err, test.err) {
					t.Fatalf("expected %v, got %v", test.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("discover: %v", err)
			}
			if filepath.Base(found.OSMPath) != "sampletown.osm.pbf" || len(found.GTFSPaths) != 1 {
				t.Fatalf("unexpected inputs %+v", found)
			}
		})
	}
}

func TestDiscoverRequiresRasterDirectories(t *testing.T) {
	inputs := filepath.Join(t.TempDir(), "inputs")
	writeFeed(t, filepath.Join(inputs, "wales", "gtfs", "sampletown.zip"), sampleFeed)
	writeFile(t, filepath.Join(inputs, "wales", "osm", "sampletown.osm.pbf"), "pbf")

	if _, err := Discover(inputs, "wales", ""); !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("expected ErrInputNotFound, got %v", err)
	}
}

func TestNewRejectsMissingServices(t *testing.T) {
	dataDir := sampleInputs(t)
	cfg := loadConfig(t, dataDir)
	services, _ := newServices(t)
	services.Network = nil

	if _, err := New(cfg, nil, services); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunSampletown(t *testing.T) {
	dataDir := sampleInputs(t)
	p, f := newPipeline(t, dataDir)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if f.detector.request.BBoxCRS != DetectorCRS || len(f.detector.request.BBox) != 1 {
		t.Fatalf("detector got %+v", f.detector.request)
	}
	if !f.detector.closed || !f.population.closed || !f.network.closed {
		t.Fatal("collaborator handles were not released")
	}
	if f.osm.tags == nil || f.osm.tags.String() == "" {
		t.Fatal("osm filter got no tags")
	}

	request := f.network.request
	if request.Departure != time.Date(2023, 10, 27, 8, 0, 0, 0, time.UTC) || request.DepartureWindow != time.Hour || request.MaxTime != 45*time.Minute {
		t.Fatalf("unexpected OD request %+v", request)
	}
	if len(request.Modes) != 1 || request.Modes[0] != collaborator.ModeTransit {
		t.Fatalf("unexpected modes %v", request.Modes)
	}

	outputs := p.layout.Path(workspace.RoleOutputs)
	for _, rel := range []string{
		"urban_centre/urban_centre.html",
		"urban_centre/uc_gdf.parquet",
		"population/population.html",
		"gtfs/pre_clean_validity.csv",
		"gtfs/post_clean_validity.csv",
		"gtfs/route_summary.csv",
		"gtfs/trip_summary.csv",
		"gtfs/stops.html",
		"analyse_network/od_matrix.parquet",
		"metrics/transport_performance.html",
		"metrics/transport_performance_const_cmap.html",
		"metrics/transport_performance.parquet",
		"metrics/transport_performance_stats.csv",
		"log",
		ManifestName,
	} {
		if _, err := os.Stat(filepath.Join(outputs, rel)); err != nil {
			t.Errorf("missing output %s", rel)
		}
	}

	performance, err := geotable.ReadPerformance(filepath.Join(outputs, "metrics", performanceTable))
	if err != nil {
		t.Fatalf("read performance: %v", err)
	}
	if len(performance.Cells) == 0 {
		t.Fatal("performance table is empty")
	}
	if performance.CRS != geo.Mollweide {
		t.Errorf("performance table CRS %s", performance.CRS)
	}
	for _, cell := range performance.Cells {
		if cell.TransportPerformance < 0 || cell.TransportPerformance > 100 {
			t.Errorf("cell %d has performance %v", cell.ID, cell.TransportPerformance)
		}
	}

	stats, err := geotable.ReadStats(filepath.Join(outputs, "metrics", statsTable))
	if err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if len(stats) == 0 || stats[0].UrbanCentreName != "Sampletown" || stats[0].UrbanCentreCountry != "Wales" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	feed, err := gtfs.LoadFeed(filepath.Join(p.layout.Path(workspace.RoleInterimGTFS), "sampletown.zip"))
	if err != nil {
		t.Fatalf("load cleaned feed: %v", err)
	}
	if len(feed.Calendars) != 1 || feed.Calendars[0].Start != "20231026" || feed.Calendars[0].End != "20231028" {
		t.Fatalf("unexpected synthesised calendars %+v", feed.Calendars)
	}

	changed, err := result.Manifest.Verify()
	if err != nil {
		t.Fatalf("verify manifest: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("artifacts changed after their stage: %v", changed)
	}

	saved, err := workspace.LoadManifest(filepath.Join(outputs, ManifestName))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if saved.RunID != result.Manifest.RunID || len(saved.Artifacts) != len(result.Manifest.Artifacts) {
		t.Fatal("saved manifest differs from the run manifest")
	}
}

func TestRunConsistencyGate(t *testing.T) {
	dataDir := sampleInputs(t)

	first, _ := newPipeline(t, dataDir)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	reference := filepath.Join(first.layout.Path(workspace.RoleANOutputs), "od_matrix.parquet")

	second, _ := newPipeline(t, dataDir, WithHook(ConsistencyGate(reference)))
	if _, err := second.Run(context.Background()); err != nil {
		t.Fatalf("gated run: %v", err)
	}
}

func TestHookFailureStopsBeforeMetrics(t *testing.T) {
	dataDir := sampleInputs(t)
	p, _ := newPipeline(t, dataDir, WithHook(Hook{
		Name: "always fails",
		Run: func(ctx context.Context, odMatrixDir string) error {
			return ErrInconsistentODMatrix
		},
	}))

	if _, err := p.Run(context.Background()); !errors.Is(err, ErrInconsistentODMatrix) {
		t.Fatalf("expected ErrInconsistentODMatrix, got %v", err)
	}

	metricsDir := p.layout.Path(workspace.RoleMetricsOutputs)
	entries, err := os.ReadDir(metricsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("metrics written after a failed hook: %d files", len(entries))
	}
}

func TestCompareODMatrices(t *testing.T) {
	reference := []geotable.ODPair{
		{FromID: 1, ToID: 1, TravelTime: 0},
		{FromID: 1, ToID: 2, TravelTime: math.NaN()},
		{FromID: 2, ToID: 1, TravelTime: 12},
	}

	tests := []struct {
		name   string
		actual []geotable.ODPair
		err    error
	}{
		{
			name: "reordered",
			actual: []geotable.ODPair{
				{FromID: 2, ToID: 1, TravelTime: 12},
				{FromID: 1, ToID: 2, TravelTime: math.NaN()},
				{FromID: 1, ToID: 1, TravelTime: 0},
			},
		},
		{
			name: "different time",
			actual: []geotable.ODPair{
				{FromID: 1, ToID: 1, TravelTime: 0},
				{FromID: 1, ToID: 2, TravelTime: math.NaN()},
				{FromID: 2, ToID: 1, TravelTime: 13},
			},
			err: ErrInconsistentODMatrix,
		},
		{
			name: "reachable against unreachable",
			actual: []geotable.ODPair{
				{FromID: 1, ToID: 1, TravelTime: 0},
				{FromID: 1, ToID: 2, TravelTime: 30},
				{FromID: 2, ToID: 1, TravelTime: 12},
			},
			err: ErrInconsistentODMatrix,
		},
		{
			name:   "missing row",
			actual: []geotable.ODPair{{FromID: 1, ToID: 1, TravelTime: 0}},
			err:    ErrInconsistentODMatrix,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			expected := append([]geotable.ODPair(nil), reference...)
			err := compareODMatrices(test.actual, expected)
			if !errors.Is(err, test.err) {
				t.Fatalf("expected %v, got %v", test.err, err)
			}
		})
	}
}

func TestHandlesReleasedAfterOutputsPersist(t *testing.T) {
	dataDir := sampleInputs(t)
	p, f := newPipeline(t, dataDir)

	f.detector.outputs = []string{filepath.Join(p.layout.Path(workspace.RoleUCOutputs), urbanCentreTable)}
	f.population.outputs = []string{
		filepath.Join(p.layout.Path(workspace.RoleInterimPop), populationGridTable),
		filepath.Join(p.layout.Path(workspace.RoleInterimPop), centroidTable),
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !f.detector.closed || len(f.detector.missingAtRelease) > 0 {
		t.Errorf("detector released before %v was saved", f.detector.missingAtRelease)
	}
	if !f.population.closed || len(f.population.missingAtRelease) > 0 {
		t.Errorf("population extractor released before %v was saved", f.population.missingAtRelease)
	}
}

func TestUrbanCentreOnly(t *testing.T) {
	dataDir := sampleInputs(t)
	cfg := loadConfig(t, dataDir)
	_, f := newServices(t)

	uc, err := UrbanCentreOnly(context.Background(), cfg, f.raster, f.detector, zerolog.Nop())
	if err != nil {
		t.Fatalf("urban centre only: %v", err)
	}
	if uc == nil || uc.Empty() {
		t.Fatal("expected an urban centre")
	}

	for _, name := range []string{"sampletown_urban_centre.html", "sampletown_uc_gdf.parquet"} {
		if _, err := os.Stat(filepath.Join(dataDir, UrbanCentresDir, name)); err != nil {
			t.Errorf("missing %s", name)
		}
	}
	if !f.detector.closed {
		t.Fatal("detector was not released")
	}
}

func TestUrbanCentreOnlyDetectorFailure(t *testing.T) {
	dataDir := sampleInputs(t)
	cfg := loadConfig(t, dataDir)
	_, f := newServices(t)
	f.detector.fail = true

	uc, err := UrbanCentreOnly(context.Background(), cfg, f.raster, f.detector, zerolog.Nop())
	if err != nil || uc != nil {
		t.Fatalf("expected an empty result, got %v, %v", uc, err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, UrbanCentresDir, "sampletown_urban_centre.html")); !os.IsNotExist(err) {
		t.Fatal("map written for a failed detection")
	}
}
