package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/gtfs"
	"github.com/travigo/transport-performance/pkg/mapview"
	"github.com/travigo/transport-performance/pkg/util"
	"github.com/travigo/transport-performance/pkg/workspace"
)

const (
	urbanCentreMerged    = "urban_centre_merged.tif"
	populationMerged     = "population_merged.tif"
	populationResampled  = "population_resampled.tif"
	populationGridTable  = "pop_gdf.parquet"
	centroidTable        = "centroid_gdf.parquet"
	urbanCentreTable     = "uc_gdf.parquet"
	performanceTable     = "transport_performance.parquet"
	statsTable           = "transport_performance_stats.csv"
	performanceMap       = "transport_performance.html"
	performanceConstMap  = "transport_performance_const_cmap.html"
	performanceColumn    = "transport_performance"
	performanceCaption   = "Transport Performance (%)"
	populationColumn     = "population"
	stopsFeedColumn      = "feed_name"
	urbanCentreLabelProp = "label"
)

func (p *Pipeline) centre() (orb.Point, geo.CRS, error) {
	crs, err := geo.ParseCRS(p.config.UrbanCentre.CentreCRS)
	if err != nil {
		return orb.Point{}, "", err
	}

	return orb.Point{p.config.UrbanCentre.Centre[0], p.config.UrbanCentre.Centre[1]}, crs, nil
}

// detectUrbanCentre owns the detector handle; it is released once the
// outputs are persisted.
func (p *Pipeline) detectUrbanCentre(ctx context.Context, inputs *Inputs) (*geotable.UrbanCentre, error) {
	p.startStage(StageUrbanCentre, "Detecting urban centre...")

	merged, err := p.mergeUrbanCentre(ctx, inputs.UrbanCentreDir, p.layout.Path(workspace.RoleInterimUC))
	if err != nil {
		return nil, err
	}

	uc, release, err := p.runDetector(ctx, merged)
	if err != nil {
		return nil, err
	}

	outputs := p.layout.Path(workspace.RoleUCOutputs)
	err = p.saveUrbanCentre(uc, filepath.Join(outputs, "urban_centre.html"), filepath.Join(outputs, urbanCentreTable))
	release()
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("stage", StageUrbanCentre).Msg("Urban centre detection complete.")

	return uc, nil
}

func (p *Pipeline) mergeUrbanCentre(ctx context.Context, rasterDir string, interimDir string) (string, error) {
	p.logger.Info().Str("stage", StageUrbanCentre).Msg("Merging input urban centre raster files...")

	merged, err := p.services.Raster.Merge(ctx, rasterDir, interimDir, urbanCentreMerged, p.config.UrbanCentreSubset())
	if err != nil {
		return "", err
	}
	p.logger.Info().Str("stage", StageUrbanCentre).Str("path", merged).Msg("Merged urban centre rasters")

	return merged, nil
}

// runDetector detects the urban centre in the configured bounding box,
// reprojected into the detector CRS. The caller releases the detector once
// the result is saved; on error it is already released.
func (p *Pipeline) runDetector(ctx context.Context, merged string) (*geotable.UrbanCentre, func(), error) {
	bbox := p.config.BBox()
	if bbox.CRS != DetectorCRS {
		p.logger.Info().Str("stage", StageUrbanCentre).Msgf("Converting bbox from %s to %s", bbox.CRS, DetectorCRS)
	}
	polygon, err := bbox.PolygonIn(DetectorCRS)
	if err != nil {
		return nil, nil, err
	}

	centre, centreCRS, err := p.centre()
	if err != nil {
		return nil, nil, err
	}
	bufferCRS, err := geo.ParseCRS(p.config.UrbanCentre.BufferEstimationCRS)
	if err != nil {
		return nil, nil, err
	}

	detector, err := p.services.UrbanCentre.Open(ctx, merged)
	if err != nil {
		return nil, nil, err
	}
	release := func() { p.released(StageUrbanCentre, "urban centre detector", detector) }

	uc, err := detector.Detect(ctx, collaborator.UrbanCentreRequest{
		BBox:                polygon,
		BBoxCRS:             DetectorCRS,
		Centre:              centre,
		CentreCRS:           centreCRS,
		BufferSize:          p.config.UrbanCentre.BufferSize,
		BufferEstimationCRS: bufferCRS,
	})
	if err != nil {
		release()
		return nil, nil, err
	}

	return uc, release, nil
}

func (p *Pipeline) saveUrbanCentre(uc *geotable.UrbanCentre, mapPath string, tablePath string) error {
	m, err := mapview.Compose(urbanCentreLayer(uc),
		mapview.WithColumn(urbanCentreLabelProp),
		mapview.WithControlName(mapview.UrbanCentreLayerName),
	)
	if err != nil {
		return err
	}
	if err := m.Save(mapPath); err != nil {
		return err
	}
	if err := p.persisted(StageUrbanCentre, mapPath, "Saved urban centre map"); err != nil {
		return err
	}

	if err := geotable.WriteUrbanCentre(tablePath, uc); err != nil {
		return err
	}

	return p.persisted(StageUrbanCentre, tablePath, "Saved urban centre output to parquet")
}

type populationOutputs struct {
	grid          *geotable.PopulationGrid
	centroids     *geotable.CentroidSet
	centroidsPath string
}

func (p *Pipeline) preparePopulation(ctx context.Context, inputs *Inputs, uc *geotable.UrbanCentre) (*populationOutputs, error) {
	p.startStage(StagePopulation, "Resampling population data...")
	interim := p.layout.Path(workspace.RoleInterimPop)

	merged, err := p.services.Raster.Merge(ctx, inputs.PopulationDir, interim, populationMerged, p.config.PopulationSubset())
	if err != nil {
		return nil, err
	}
	resampled := filepath.Join(interim, populationResampled)
	if err := p.services.Raster.SumResample(ctx, merged, resampled); err != nil {
		return nil, err
	}
	p.logger.Info().Str("stage", StagePopulation).Str("path", resampled).Msg("Resampled population raster")

	p.logger.Info().Str("stage", StagePopulation).Msg("Pre-process population data using detected urban centre...")
	grid, centroids, release, err := p.extractPopulation(ctx, resampled, uc)
	if err != nil {
		return nil, err
	}

	outputs, err := p.savePopulation(interim, uc, grid, centroids)
	release()
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("stage", StagePopulation).Int("cells", len(grid.Cells)).Msg("Population pre-processing complete.")

	return outputs, nil
}

func (p *Pipeline) savePopulation(interim string, uc *geotable.UrbanCentre, grid *geotable.PopulationGrid, centroids *geotable.CentroidSet) (*populationOutputs, error) {
	centre, centreCRS, err := p.centre()
	if err != nil {
		return nil, err
	}

	m, err := mapview.Compose(populationLayer(grid),
		mapview.WithColumn(populationColumn),
		mapview.WithControlName("Population"),
		mapview.WithColormap("viridis"),
		mapview.WithUrbanCentre(boundaryLayer(uc), true),
		mapview.WithPoint(centre, centreCRS, false, "", ""),
		mapview.WithPointBuffer(p.config.General.MaxDistance),
	)
	if err != nil {
		return nil, err
	}
	mapPath := filepath.Join(p.layout.Path(workspace.RolePopOutputs), "population.html")
	if err := m.Save(mapPath); err != nil {
		return nil, err
	}
	if err := p.persisted(StagePopulation, mapPath, "Saved population map"); err != nil {
		return nil, err
	}

	gridPath := filepath.Join(interim, populationGridTable)
	if err := geotable.WritePopulationGrid(gridPath, grid); err != nil {
		return nil, err
	}
	if err := p.persisted(StagePopulation, gridPath, "Saved population grid"); err != nil {
		return nil, err
	}

	centroidsPath := filepath.Join(interim, centroidTable)
	if err := geotable.WriteCentroids(centroidsPath, centroids); err != nil {
		return nil, err
	}
	if err := p.persisted(StagePopulation, centroidsPath, "Saved population centroids"); err != nil {
		return nil, err
	}

	return &populationOutputs{grid: grid, centroids: centroids, centroidsPath: centroidsPath}, nil
}

// extractPopulation opens the extractor handle. The caller releases it once
// the grid and centroids are saved; on error it is already released.
func (p *Pipeline) extractPopulation(ctx context.Context, raster string, uc *geotable.UrbanCentre) (*geotable.PopulationGrid, *geotable.CentroidSet, func(), error) {
	extractor, err := p.services.Population.Open(ctx, raster)
	if err != nil {
		return nil, nil, nil, err
	}
	release := func() { p.released(StagePopulation, "population extractor", extractor) }

	grid, centroids, err := extractor.Extract(ctx, collaborator.PopulationRequest{
		AOI:         uc.Buffer(),
		UrbanCentre: uc.Polygon(),
		CRS:         uc.CRS,
		Threshold:   p.config.Population.Threshold,
	})
	if err != nil {
		release()
		return nil, nil, nil, err
	}

	return grid, centroids, release, nil
}

// processFeeds returns the paths of the cleaned feeds. The feed set itself
// does not outlive this call.
func (p *Pipeline) processFeeds(inputs *Inputs, uc *geotable.UrbanCentre) ([]string, error) {
	p.startStage(StageGTFS, "Processing GTFS feeds...")
	options := p.config.Options
	outputs := p.layout.Path(workspace.RoleGTFSOutputs)

	feeds, err := p.services.LoadFeeds(inputs.GTFSPattern)
	if err != nil {
		return nil, err
	}
	defer p.released(StageGTFS, "GTFS feed set", feeds)
	p.logger.Info().Str("stage", StageGTFS).Strs("feeds", feeds.Names()).Msg("Loaded GTFS feeds")

	bbox, err := uc.GeometryIn(geotable.LabelBBox, geo.WGS84)
	if err != nil {
		return nil, err
	}
	dropped := feeds.FilterToBBox(bbox.Bound(), options.DeleteEmptyFeeds)
	p.logger.Info().Str("stage", StageGTFS).Strs("dropped", dropped).Msg("Filtered feeds to the urban centre bounding box")

	if start, end, ok := feeds.ServiceDateRange(); ok {
		p.logger.Info().Str("stage", StageGTFS).Msgf("Feeds are valid from %s to %s", util.FormatDate(start), util.FormatDate(end))
	} else {
		p.logger.Warn().Str("stage", StageGTFS).Msg("Feeds carry no service dates")
	}

	if err := p.writeValidity(feeds, filepath.Join(outputs, "pre_clean_validity.csv")); err != nil {
		return nil, err
	}

	for _, report := range feeds.Clean(options.FastTravelChecks) {
		p.logger.Info().
			Str("stage", StageGTFS).
			Str("feed", report.Feed).
			Int("duplicates", report.DuplicatesDropped).
			Int("records", report.RecordsDropped).
			Int("fast_trips", report.FastTripsDropped).
			Msg("Cleaned feed")
	}

	if err := p.writeValidity(feeds, filepath.Join(outputs, "post_clean_validity.csv")); err != nil {
		return nil, err
	}

	if options.ComputeSummaries {
		if err := p.writeSummaries(feeds, outputs); err != nil {
			return nil, err
		}
	} else {
		p.logger.Warn().Str("stage", StageGTFS).Msg("Skipping route and trip summaries")
	}

	if err := p.saveStops(feeds, filepath.Join(outputs, "stops.html")); err != nil {
		return nil, err
	}

	date := p.config.AnalysisDate()
	dropped = feeds.FilterToDate(date, options.DeleteEmptyFeeds)
	p.logger.Info().Str("stage", StageGTFS).Str("date", util.FormatDate(date)).Strs("dropped", dropped).Msg("Filtered feeds to the analysis date")

	if synthesised := feeds.SynthesiseCalendars(date); len(synthesised) > 0 {
		p.logger.Info().Str("stage", StageGTFS).Strs("feeds", synthesised).Msg("Synthesised calendars for feeds relying on calendar dates")
	}

	paths, err := feeds.Save(p.layout.Path(workspace.RoleInterimGTFS))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		if err := p.persisted(StageGTFS, path, "Saved cleaned feed"); err != nil {
			return nil, err
		}
	}

	p.logger.Info().Str("stage", StageGTFS).Msg("GTFS processing complete.")

	return paths, nil
}

func (p *Pipeline) writeValidity(feeds *gtfs.FeedSet, path string) error {
	checks := feeds.Validate(p.config.Options.FastTravelChecks)
	if err := geotable.WriteCSV(path, &checks); err != nil {
		return err
	}

	return p.persisted(StageGTFS, path, "Saved validity report")
}

func (p *Pipeline) writeSummaries(feeds *gtfs.FeedSet, outputs string) error {
	lookup, err := gtfs.LoadRouteLookup(p.config.GTFS.RouteLookup)
	if err != nil {
		return err
	}
	units := gtfs.Units(p.config.GTFS.Units)

	summaries := []struct {
		name      string
		summarise func(map[int]string, gtfs.Units) ([]gtfs.Summary, error)
	}{
		{"route_summary.csv", feeds.SummariseRoutes},
		{"trip_summary.csv", feeds.SummariseTrips},
	}

	for _, summary := range summaries {
		rows, err := summary.summarise(lookup, units)
		if err != nil {
			return err
		}

		path := filepath.Join(outputs, summary.name)
		if err := geotable.WriteCSV(path, &rows); err != nil {
			return err
		}
		if err := p.persisted(StageGTFS, path, "Saved summary"); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pipeline) saveStops(feeds *gtfs.FeedSet, path string) error {
	m, err := mapview.Compose(stopsLayer(feeds.StopsView()),
		mapview.WithColumn(stopsFeedColumn),
		mapview.WithControlName("Stops"),
	)
	if err != nil {
		p.logger.Warn().Err(err).Str("stage", StageGTFS).Msg("Skipping stops map")
		return nil
	}
	if err := m.Save(path); err != nil {
		return err
	}

	return p.persisted(StageGTFS, path, "Saved stops map")
}

func (p *Pipeline) filterOSM(ctx context.Context, inputs *Inputs, uc *geotable.UrbanCentre) (string, error) {
	p.startStage(StageOSM, "Filtering OSM extract...")

	bbox, err := uc.GeometryIn(geotable.LabelBBox, geo.WGS84)
	if err != nil {
		return "", err
	}

	name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(inputs.OSMPath), ".pbf"), ".osm")
	output := filepath.Join(p.layout.Path(workspace.RoleInterimOSM), name+"_filtered.osm")

	stats, err := p.services.OSM.Filter(ctx, inputs.OSMPath, output, bbox.Bound(), p.tags)
	if err != nil {
		return "", err
	}
	p.logger.Info().Str("stage", StageOSM).Int("nodes", stats.Nodes).Int("ways", stats.Ways).Str("tags", p.tags.String()).Msg("Filtered OSM extract")

	if err := p.persisted(StageOSM, output, "Saved filtered OSM extract"); err != nil {
		return "", err
	}

	return output, nil
}

// analyseNetwork owns the network handle; it is released on return. The OD
// matrix never passes through memory here.
func (p *Pipeline) analyseNetwork(ctx context.Context, osmPath string, feedPaths []string, centroidsPath string) (string, error) {
	p.startStage(StageNetwork, "Building transport network...")
	outputDir := p.layout.Path(workspace.RoleANOutputs)

	analyser, err := p.services.Network.Build(ctx, collaborator.NetworkRequest{
		OSMPath:       osmPath,
		GTFSPaths:     feedPaths,
		CentroidsPath: centroidsPath,
	})
	if err != nil {
		return "", err
	}
	defer p.released(StageNetwork, "transport network", analyser)

	p.logger.Info().Str("stage", StageNetwork).Msg("Calculating OD matrix...")
	request := collaborator.ODRequest{
		Departure:       p.config.DepartureTime(),
		DepartureWindow: p.config.DepartureWindow(),
		MaxTime:         time.Duration(p.config.AnalyseNetwork.MaxTime) * time.Minute,
		MaxDistance:     p.config.AnalyseNetwork.MaxDistance,
		Modes:           []collaborator.TransportMode{collaborator.ModeTransit},
		BatchOrigins:    p.config.Options.BatchOrigins,
		OutputDir:       outputDir,
	}
	if err := analyser.ODMatrix(ctx, request); err != nil {
		return "", err
	}

	if err := p.persisted(StageNetwork, outputDir, "OD matrix written"); err != nil {
		return "", err
	}

	return outputDir, nil
}

func (p *Pipeline) computeMetrics(ctx context.Context, odMatrixDir string, population *populationOutputs, uc *geotable.UrbanCentre) (*geotable.Performance, []geotable.StatsRow, error) {
	p.startStage(StageMetrics, "Calculating the transport performance...")

	performance, stats, err := p.services.Aggregator.Aggregate(ctx, collaborator.AggregateRequest{
		ODMatrixDir:         odMatrixDir,
		Centroids:           population.centroids,
		Grid:                population.grid,
		TravelTimeThreshold: float64(p.config.General.MaxTime),
		DistanceThreshold:   p.config.General.MaxDistance,
		Name:                util.TitleCase(p.config.General.AreaName),
		Country:             util.TitleCase(p.config.General.AreaCountry),
		UrbanCentre:         uc,
	})
	if err != nil {
		return nil, nil, err
	}
	p.logger.Info().Str("stage", StageMetrics).Msg("Transport performance calculated. Saving output files...")

	outputs := p.layout.Path(workspace.RoleMetricsOutputs)
	layer := performanceLayer(performance)
	boundary := boundaryLayer(uc)

	maps := []struct {
		file     string
		colormap mapview.Option
	}{
		{performanceMap, mapview.WithColormap("viridis")},
		{performanceConstMap, mapview.WithStepColormap(mapview.PerformanceStops)},
	}
	for _, output := range maps {
		m, err := mapview.Compose(layer,
			mapview.WithColumn(performanceColumn),
			mapview.WithControlName("Transport Performance"),
			output.colormap,
			mapview.WithCaption(performanceCaption),
			mapview.WithUrbanCentre(boundary, true),
		)
		if err != nil {
			return nil, nil, err
		}

		path := filepath.Join(outputs, output.file)
		if err := m.Save(path); err != nil {
			return nil, nil, err
		}
		if err := p.persisted(StageMetrics, path, "Transport performance map saved"); err != nil {
			return nil, nil, err
		}
	}

	statsPath := filepath.Join(outputs, statsTable)
	if err := geotable.WriteCSV(statsPath, &stats); err != nil {
		return nil, nil, err
	}
	if err := p.persisted(StageMetrics, statsPath, "Transport performance stats saved"); err != nil {
		return nil, nil, err
	}

	performancePath := filepath.Join(outputs, performanceTable)
	if err := geotable.WritePerformance(performancePath, performance); err != nil {
		return nil, nil, err
	}
	if err := p.persisted(StageMetrics, performancePath, "Transport performance table saved"); err != nil {
		return nil, nil, err
	}

	return performance, stats, nil
}
