// Package collaborator defines the services the pipeline delegates raster,
// detection, routing and aggregation work to.
package collaborator

import (
	"context"
	"regexp"
	"time"

	"github.com/paulmach/orb"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/gtfs"
	"github.com/travigo/transport-performance/pkg/osm"
)

type RasterService interface {
	// Merge mosaics the rasters in inputDir whose names match subset (all
	// when nil) into outputDir/outputName and returns the written path.
	Merge(ctx context.Context, inputDir string, outputDir string, outputName string, subset *regexp.Regexp) (string, error)
	// SumResample downsamples by summing so population totals are kept.
	SumResample(ctx context.Context, inputPath string, outputPath string) error
}

type UrbanCentreRequest struct {
	BBox                orb.Polygon
	BBoxCRS             geo.CRS
	Centre              orb.Point
	CentreCRS           geo.CRS
	BufferSize          float64
	BufferEstimationCRS geo.CRS
}

type UrbanCentreService interface {
	Open(ctx context.Context, rasterPath string) (UrbanCentreDetector, error)
}

type UrbanCentreDetector interface {
	Detect(ctx context.Context, request UrbanCentreRequest) (*geotable.UrbanCentre, error)
	Close() error
}

// PopulationRequest restricts extraction to AOI, flagging cells inside
// UrbanCentre. Both geometries are in CRS.
type PopulationRequest struct {
	AOI         orb.Geometry
	UrbanCentre orb.Geometry
	CRS         geo.CRS
	Threshold   float64
}

type PopulationService interface {
	Open(ctx context.Context, rasterPath string) (PopulationExtractor, error)
}

type PopulationExtractor interface {
	Extract(ctx context.Context, request PopulationRequest) (*geotable.PopulationGrid, *geotable.CentroidSet, error)
	Close() error
}

type FeedLoader func(pattern string) (*gtfs.FeedSet, error)

type OSMFilter interface {
	Filter(ctx context.Context, input string, output string, bbox orb.Bound, tags *osm.TagFilter) (osm.Stats, error)
}

type NetworkRequest struct {
	OSMPath       string
	GTFSPaths     []string
	CentroidsPath string
}

type TransportMode string

const ModeTransit TransportMode = "TRANSIT"

// ODRequest describes one travel time matrix. The analyser writes it as
// parquet files into OutputDir rather than returning it.
type ODRequest struct {
	Departure       time.Time
	DepartureWindow time.Duration
	MaxTime         time.Duration
	MaxDistance     float64
	Modes           []TransportMode
	BatchOrigins    bool
	OutputDir       string
}

type NetworkService interface {
	Build(ctx context.Context, request NetworkRequest) (NetworkAnalyser, error)
}

type NetworkAnalyser interface {
	ODMatrix(ctx context.Context, request ODRequest) error
	Close() error
}

// AggregateRequest carries everything one aggregation needs.
// TravelTimeThreshold is in minutes and DistanceThreshold in metres.
type AggregateRequest struct {
	ODMatrixDir         string
	Centroids           *geotable.CentroidSet
	Grid                *geotable.PopulationGrid
	TravelTimeThreshold float64
	DistanceThreshold   float64
	Name                string
	Country             string
	UrbanCentre         *geotable.UrbanCentre
}

type PerformanceAggregator interface {
	Aggregate(ctx context.Context, request AggregateRequest) (*geotable.Performance, []geotable.StatsRow, error)
}

// Services bundles one implementation of every collaborator.
type Services struct {
	Raster      RasterService
	UrbanCentre UrbanCentreService
	Population  PopulationService
	LoadFeeds   FeedLoader
	OSM         OSMFilter
	Network     NetworkService
	Aggregator  PerformanceAggregator
}
