package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/travigo/transport-performance/pkg/config"
)

var (
	ErrInputNotFound  = errors.New("input not found")
	ErrAmbiguousInput = errors.New("ambiguous input")
)

const (
	UrbanCentreInputDir = "urban_centre"
	PopulationInputDir  = "population"
)

// Inputs are the files a run reads, resolved before any stage starts.
type Inputs struct {
	Subdir         string
	OSMPath        string
	GTFSPattern    string
	GTFSPaths      []string
	UrbanCentreDir string
	PopulationDir  string
}

// Discover resolves the input subdirectory and checks every input category.
// Exactly one OSM extract must exist; the operator has to remove extras.
func Discover(inputsDir string, country string, subdir string) (*Inputs, error) {
	resolved, err := config.ResolveInputSubdir(inputsDir, country, subdir)
	if err != nil {
		return nil, err
	}

	osmPath, err := findOne(filepath.Join(resolved, "osm", "*.pbf"))
	if err != nil {
		return nil, err
	}

	gtfsPattern := filepath.Join(resolved, "gtfs", "*.zip")
	gtfsPaths, err := filepath.Glob(gtfsPattern)
	if err != nil {
		return nil, err
	}
	if len(gtfsPaths) == 0 {
		return nil, fmt.Errorf("%w: no GTFS feed matches %s", ErrInputNotFound, gtfsPattern)
	}

	inputs := &Inputs{
		Subdir:         resolved,
		OSMPath:        osmPath,
		GTFSPattern:    gtfsPattern,
		GTFSPaths:      gtfsPaths,
		UrbanCentreDir: filepath.Join(inputsDir, UrbanCentreInputDir),
		PopulationDir:  filepath.Join(inputsDir, PopulationInputDir),
	}

	for _, dir := range []string{inputs.UrbanCentreDir, inputs.PopulationDir} {
		if err := requireDir(dir); err != nil {
			return nil, err
		}
	}

	return inputs, nil
}

func findOne(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: nothing matches %s", ErrInputNotFound, pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %d files match %s, expected exactly one", ErrAmbiguousInput, len(matches), pattern)
	}
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: raster directory %s", ErrInputNotFound, dir)
	}

	return nil
}
