package geotable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/travigo/transport-performance/pkg/geo"
)

type urbanCentreRow struct {
	Label    string `parquet:"label"`
	Geometry []byte `parquet:"geometry"`
}

type populationRow struct {
	ID                int64   `parquet:"id"`
	Population        float64 `parquet:"population"`
	WithinUrbanCentre bool    `parquet:"within_urban_centre"`
	Geometry          []byte  `parquet:"geometry"`
}

type centroidRow struct {
	ID                int64  `parquet:"id"`
	WithinUrbanCentre bool   `parquet:"within_urban_centre"`
	Geometry          []byte `parquet:"geometry"`
}

type performanceRow struct {
	ID                   int64   `parquet:"id"`
	AccessiblePopulation float64 `parquet:"accessible_population"`
	ProximityPopulation  float64 `parquet:"proximity_population"`
	TransportPerformance float64 `parquet:"transport_performance"`
	Geometry             []byte  `parquet:"geometry"`
}

const geoMetadataKey = "geo"

// geoFileMetadata is the GeoParquet "geo" key/value entry.
type geoFileMetadata struct {
	Version       string               `json:"version"`
	PrimaryColumn string               `json:"primary_column"`
	Columns       map[string]geoColumn `json:"columns"`
}

type geoColumn struct {
	Encoding      string     `json:"encoding"`
	GeometryTypes []string   `json:"geometry_types"`
	CRS           *crsObject `json:"crs,omitempty"`
}

// crsObject is the PROJJSON identifier form of a CRS.
type crsObject struct {
	ID crsIdentifier `json:"id"`
}

type crsIdentifier struct {
	Authority string `json:"authority"`
	Code      int    `json:"code"`
}

func geoMetadata(crs geo.CRS) ([]parquet.WriterOption, error) {
	authority, code, err := crs.Authority()
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(geoFileMetadata{
		Version:       "1.0.0",
		PrimaryColumn: "geometry",
		Columns: map[string]geoColumn{
			"geometry": {
				Encoding:      "WKB",
				GeometryTypes: []string{},
				CRS:           &crsObject{ID: crsIdentifier{Authority: authority, Code: code}},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return []parquet.WriterOption{parquet.KeyValueMetadata(geoMetadataKey, string(meta))}, nil
}

// ReadCRS returns the CRS of the primary geometry column. A column without a
// crs entry is longitude/latitude on WGS84.
func ReadCRS(path string) (geo.CRS, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	table, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	raw, exists := table.Lookup(geoMetadataKey)
	if !exists {
		return "", fmt.Errorf("%s has no geo metadata", path)
	}

	var meta geoFileMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return "", fmt.Errorf("decode %s geo metadata: %w", path, err)
	}

	column, exists := meta.Columns[meta.PrimaryColumn]
	if !exists {
		return "", fmt.Errorf("%s geo metadata has no %q column", path, meta.PrimaryColumn)
	}
	if column.CRS == nil {
		return geo.WGS84, nil
	}

	return geo.ParseCRS(fmt.Sprintf("%s:%d", column.CRS.ID.Authority, column.CRS.ID.Code))
}

func encodeGeometry(g orb.Geometry) ([]byte, error) {
	if g == nil {
		return nil, nil
	}

	return wkb.Marshal(g)
}

func writeRows[T any](path string, rows []T, options ...parquet.WriterOption) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := parquet.WriteFile(path, rows, options...); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func writeGeoRows[T any](path string, rows []T, crs geo.CRS) error {
	options, err := geoMetadata(crs)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return writeRows(path, rows, options...)
}

// WriteUrbanCentre persists the labelled geometries as a GeoParquet style table.
func WriteUrbanCentre(path string, uc *UrbanCentre) error {
	rows := make([]urbanCentreRow, 0, len(uc.features))
	for _, feature := range uc.features {
		encoded, err := encodeGeometry(feature.Geometry)
		if err != nil {
			return fmt.Errorf("encode %s geometry: %w", feature.Label, err)
		}
		rows = append(rows, urbanCentreRow{Label: feature.Label, Geometry: encoded})
	}

	return writeGeoRows(path, rows, uc.CRS)
}

func ReadUrbanCentre(path string) (*UrbanCentre, error) {
	crs, err := ReadCRS(path)
	if err != nil {
		return nil, err
	}

	rows, err := parquet.ReadFile[urbanCentreRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	features := make([]LabeledGeometry, 0, len(rows))
	for _, row := range rows {
		geometry, err := wkb.Unmarshal(row.Geometry)
		if err != nil {
			return nil, fmt.Errorf("decode %s geometry: %w", row.Label, err)
		}
		features = append(features, LabeledGeometry{Label: row.Label, Geometry: geometry})
	}

	return NewUrbanCentre(crs, features)
}

func WritePopulationGrid(path string, grid *PopulationGrid) error {
	rows := make([]populationRow, 0, len(grid.Cells))
	for _, cell := range grid.Cells {
		encoded, err := encodeGeometry(cell.Geometry)
		if err != nil {
			return fmt.Errorf("encode cell %d: %w", cell.ID, err)
		}
		rows = append(rows, populationRow{
			ID:                cell.ID,
			Population:        cell.Population,
			WithinUrbanCentre: cell.WithinUrbanCentre,
			Geometry:          encoded,
		})
	}

	return writeGeoRows(path, rows, grid.CRS)
}

func WriteCentroids(path string, centroids *CentroidSet) error {
	rows := make([]centroidRow, 0, len(centroids.Points))
	for _, centroid := range centroids.Points {
		encoded, err := encodeGeometry(centroid.Point)
		if err != nil {
			return fmt.Errorf("encode centroid %d: %w", centroid.ID, err)
		}
		rows = append(rows, centroidRow{
			ID:                centroid.ID,
			WithinUrbanCentre: centroid.WithinUrbanCentre,
			Geometry:          encoded,
		})
	}

	return writeGeoRows(path, rows, centroids.CRS)
}

func WritePerformance(path string, performance *Performance) error {
	rows := make([]performanceRow, 0, len(performance.Cells))
	for _, cell := range performance.Cells {
		encoded, err := encodeGeometry(cell.Geometry)
		if err != nil {
			return fmt.Errorf("encode cell %d: %w", cell.ID, err)
		}
		rows = append(rows, performanceRow{
			ID:                   cell.ID,
			AccessiblePopulation: cell.AccessiblePopulation,
			ProximityPopulation:  cell.ProximityPopulation,
			TransportPerformance: cell.TransportPerformance,
			Geometry:             encoded,
		})
	}

	return writeGeoRows(path, rows, performance.CRS)
}

func ReadPerformance(path string) (*Performance, error) {
	crs, err := ReadCRS(path)
	if err != nil {
		return nil, err
	}

	rows, err := parquet.ReadFile[performanceRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	performance := &Performance{CRS: crs}
	for _, row := range rows {
		geometry, err := wkb.Unmarshal(row.Geometry)
		if err != nil {
			return nil, fmt.Errorf("decode cell %d: %w", row.ID, err)
		}
		performance.Cells = append(performance.Cells, PerformanceCell{
			ID:                   row.ID,
			AccessiblePopulation: row.AccessiblePopulation,
			ProximityPopulation:  row.ProximityPopulation,
			TransportPerformance: row.TransportPerformance,
			Geometry:             geometry,
		})
	}

	return performance, nil
}

func WriteODMatrix(path string, pairs []ODPair) error {
	return writeRows(path, pairs)
}

// ReadODMatrix reads either a single parquet file or every parquet file in a
// directory, in file name order, as one matrix.
func ReadODMatrix(path string) ([]ODPair, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}

		files = files[:0]
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".parquet") {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(files)

		if len(files) == 0 {
			return nil, fmt.Errorf("no parquet files in %s", path)
		}
	}

	var pairs []ODPair
	for _, file := range files {
		rows, err := parquet.ReadFile[ODPair](file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		pairs = append(pairs, rows...)
	}

	return pairs, nil
}
