package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
)

const (
	OperationMerge        = "raster.merge"
	OperationSumResample  = "raster.sum_resample"
	OperationDetect       = "urban_centre.detect"
	OperationExtract      = "population.extract"
	OperationBuildNetwork = "network.build"
	OperationODMatrix     = "network.od_matrix"
)

func (c *Client) Merge(ctx context.Context, inputDir string, outputDir string, outputName string, subset *regexp.Regexp) (string, error) {
	params := map[string]string{
		"input_dir":   inputDir,
		"output_dir":  outputDir,
		"output_name": outputName,
	}
	if subset != nil {
		params["subset_regex"] = subset.String()
	}

	var result struct {
		Path string `json:"path"`
	}
	if err := c.call(ctx, OperationMerge, params, &result); err != nil {
		return "", err
	}
	if result.Path == "" {
		return "", fmt.Errorf("%s: %w: no path returned", OperationMerge, ErrCollaborator)
	}

	return result.Path, nil
}

func (c *Client) SumResample(ctx context.Context, inputPath string, outputPath string) error {
	return c.call(ctx, OperationSumResample, map[string]string{"input": inputPath, "output": outputPath}, nil)
}

// rasterHandle remembers the raster a detector or extractor was opened on.
// The command is stateless so closing only forgets the path.
type rasterHandle struct {
	client *Client
	raster string
}

func (h *rasterHandle) Close() error {
	h.raster = ""
	return nil
}

func geometry(g orb.Geometry) *geojson.Geometry {
	if g == nil {
		return nil
	}

	return geojson.NewGeometry(g)
}

type UrbanCentreService struct{ *Client }

func (s UrbanCentreService) Open(ctx context.Context, rasterPath string) (collaborator.UrbanCentreDetector, error) {
	return &detector{rasterHandle{client: s.Client, raster: rasterPath}}, nil
}

type detector struct{ rasterHandle }

type detectParams struct {
	Raster              string            `json:"raster"`
	BBox                *geojson.Geometry `json:"bbox"`
	BBoxCRS             string            `json:"bbox_crs"`
	Centre              [2]float64        `json:"centre"`
	CentreCRS           string            `json:"centre_crs"`
	BufferSize          float64           `json:"buffer_size"`
	BufferEstimationCRS string            `json:"buffer_estimation_crs"`
}

type featureResult struct {
	CRS      string                     `json:"crs"`
	Features *geojson.FeatureCollection `json:"features"`
}

func (d *detector) Detect(ctx context.Context, request collaborator.UrbanCentreRequest) (*geotable.UrbanCentre, error) {
	params := detectParams{
		Raster:              d.raster,
		BBox:                geometry(request.BBox),
		BBoxCRS:             request.BBoxCRS.String(),
		Centre:              [2]float64{request.Centre[0], request.Centre[1]},
		CentreCRS:           request.CentreCRS.String(),
		BufferSize:          request.BufferSize,
		BufferEstimationCRS: request.BufferEstimationCRS.String(),
	}

	var result featureResult
	if err := d.client.call(ctx, OperationDetect, params, &result); err != nil {
		return nil, err
	}

	crs, err := geo.ParseCRS(result.CRS)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", OperationDetect, err)
	}
	if result.Features == nil {
		return nil, fmt.Errorf("%s: %w: no features returned", OperationDetect, ErrCollaborator)
	}

	var features []geotable.LabeledGeometry
	for _, feature := range result.Features.Features {
		features = append(features, geotable.LabeledGeometry{
			Label:    feature.Properties.MustString("label", ""),
			Geometry: feature.Geometry,
		})
	}

	return geotable.NewUrbanCentre(crs, features)
}

type PopulationService struct{ *Client }

func (s PopulationService) Open(ctx context.Context, rasterPath string) (collaborator.PopulationExtractor, error) {
	return &extractor{rasterHandle{client: s.Client, raster: rasterPath}}, nil
}

type extractor struct{ rasterHandle }

type extractParams struct {
	Raster      string            `json:"raster"`
	AOI         *geojson.Geometry `json:"aoi"`
	UrbanCentre *geojson.Geometry `json:"urban_centre"`
	CRS         string            `json:"crs"`
	Threshold   float64           `json:"threshold"`
}

type extractResult struct {
	CRS       string          `json:"crs"`
	Grid      json.RawMessage `json:"grid"`
	Centroids json.RawMessage `json:"centroids"`
}

// featureIDs mirrors a feature collection down to the "id" properties.
type featureIDs struct {
	Features []struct {
		Properties struct {
			ID json.Number `json:"id"`
		} `json:"properties"`
	} `json:"features"`
}

// decodeFeatures reads a feature collection together with its integer ids.
// The ids are decoded as json.Number since a float64 loses precision above
// 2^53.
func decodeFeatures(raw json.RawMessage) (*geojson.FeatureCollection, []int64, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, fmt.Errorf("%w: feature collection missing", ErrCollaborator)
	}

	collection, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	var mirror featureIDs
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&mirror); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	ids := make([]int64, len(mirror.Features))
	for i, feature := range mirror.Features {
		ids[i], err = feature.Properties.ID.Int64()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: feature %d has id %q", ErrCollaborator, i, feature.Properties.ID)
		}
	}

	return collection, ids, nil
}

func (e *extractor) Extract(ctx context.Context, request collaborator.PopulationRequest) (*geotable.PopulationGrid, *geotable.CentroidSet, error) {
	params := extractParams{
		Raster:      e.raster,
		AOI:         geometry(request.AOI),
		UrbanCentre: geometry(request.UrbanCentre),
		CRS:         request.CRS.String(),
		Threshold:   request.Threshold,
	}

	var result extractResult
	if err := e.client.call(ctx, OperationExtract, params, &result); err != nil {
		return nil, nil, err
	}

	crs, err := geo.ParseCRS(result.CRS)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", OperationExtract, err)
	}

	cells, cellIDs, err := decodeFeatures(result.Grid)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: grid: %w", OperationExtract, err)
	}
	points, pointIDs, err := decodeFeatures(result.Centroids)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: centroids: %w", OperationExtract, err)
	}

	grid := &geotable.PopulationGrid{CRS: crs}
	for i, feature := range cells.Features {
		grid.Cells = append(grid.Cells, geotable.PopulationCell{
			ID:                cellIDs[i],
			Population:        feature.Properties.MustFloat64("population", 0),
			WithinUrbanCentre: feature.Properties.MustBool("within_urban_centre", false),
			Geometry:          feature.Geometry,
		})
	}

	centroids := &geotable.CentroidSet{CRS: crs}
	for i, feature := range points.Features {
		point, isPoint := feature.Geometry.(orb.Point)
		if !isPoint {
			return nil, nil, fmt.Errorf("%s: %w: centroid is a %T", OperationExtract, ErrCollaborator, feature.Geometry)
		}
		centroids.Points = append(centroids.Points, geotable.Centroid{
			ID:                pointIDs[i],
			WithinUrbanCentre: feature.Properties.MustBool("within_urban_centre", false),
			Point:             point,
		})
	}

	return grid, centroids, nil
}

type NetworkService struct{ *Client }

type network struct {
	client  *Client
	request collaborator.NetworkRequest
}

// Build checks the network inputs with the command. The graph itself is
// rebuilt by the command for every matrix request.
func (s NetworkService) Build(ctx context.Context, request collaborator.NetworkRequest) (collaborator.NetworkAnalyser, error) {
	if err := s.call(ctx, OperationBuildNetwork, networkParams(request), nil); err != nil {
		return nil, err
	}

	return &network{client: s.Client, request: request}, nil
}

func networkParams(request collaborator.NetworkRequest) map[string]interface{} {
	return map[string]interface{}{
		"osm":       request.OSMPath,
		"gtfs":      request.GTFSPaths,
		"centroids": request.CentroidsPath,
	}
}

func (n *network) ODMatrix(ctx context.Context, request collaborator.ODRequest) error {
	modes := make([]string, 0, len(request.Modes))
	for _, mode := range request.Modes {
		modes = append(modes, string(mode))
	}

	params := networkParams(n.request)
	params["departure"] = request.Departure.Format("2006-01-02T15:04:05")
	params["departure_time_window_minutes"] = request.DepartureWindow.Minutes()
	params["max_time_minutes"] = request.MaxTime.Minutes()
	params["max_distance"] = request.MaxDistance
	params["transport_modes"] = modes
	params["batch_orig"] = request.BatchOrigins
	params["output_dir"] = request.OutputDir

	return n.client.call(ctx, OperationODMatrix, params, nil)
}

func (n *network) Close() error {
	n.request = collaborator.NetworkRequest{}
	return nil
}

var (
	_ collaborator.RasterService      = (*Client)(nil)
	_ collaborator.UrbanCentreService = UrbanCentreService{}
	_ collaborator.PopulationService  = PopulationService{}
	_ collaborator.NetworkService     = NetworkService{}
)
