package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jinzhu/copier"
	"github.com/joho/godotenv"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/util"
)

var (
	ErrMissingEnvironment = errors.New("missing required environment variables")
	ErrInputSubdir        = errors.New("input subdirectory is incomplete")
)

var RequiredEnvironment = []string{
	"AREA_NAME",
	"COUNTRY_NAME",
	"BBOX",
	"BBOX_CRS",
	"CENTRE",
	"CENTRE_CRS",
	"DELETE_EMPTY_FEEDS",
	"FAST_TRAVEL_CHECKS",
	"COMPUTE_SUMMARIES",
	"BATCH_ORIGINS",
}

// Overrides are the run settings supplied through the environment. Pointer
// fields stay nil when a value was not given so the merge leaves the file
// configuration alone.
type Overrides struct {
	AreaName     string
	AreaCountry  string
	AnalysisDate string
	InputSubdir  string

	BBox      []float64
	BBoxCRS   string
	Centre    []float64
	CentreCRS string

	DeleteEmptyFeeds *bool
	FastTravelChecks *bool
	ComputeSummaries *bool
	BatchOrigins     *bool
}

// LoadEnvironment loads envFile into the process environment when it exists
// and returns the resulting environment.
func LoadEnvironment(envFile string) map[string]string {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	return util.GetEnvironmentVariables()
}

// ValidateEnvironment checks every required variable before anything touches
// the filesystem. All missing names are reported at once.
func ValidateEnvironment(env map[string]string) (*Overrides, error) {
	var missing []string
	for _, name := range RequiredEnvironment {
		if util.IsUnset(env[name]) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnvironment, strings.Join(missing, ", "))
	}

	overrides := &Overrides{
		AreaName:    strings.TrimSpace(env["AREA_NAME"]),
		AreaCountry: strings.TrimSpace(env["COUNTRY_NAME"]),
		BBoxCRS:     strings.TrimSpace(env["BBOX_CRS"]),
		CentreCRS:   strings.TrimSpace(env["CENTRE_CRS"]),
	}

	if !util.IsUnset(env["ANALYSIS_DATE"]) {
		overrides.AnalysisDate = strings.TrimSpace(env["ANALYSIS_DATE"])
	}
	if !util.IsUnset(env["GTFS_OSM_SUBDIR"]) {
		overrides.InputSubdir = strings.TrimSpace(env["GTFS_OSM_SUBDIR"])
	}

	var err error
	if overrides.BBox, err = util.ParseFloatList(env["BBOX"], 4); err != nil {
		return nil, fmt.Errorf("%w: BBOX: %v", ErrInvalidConfig, err)
	}
	if overrides.Centre, err = util.ParseFloatList(env["CENTRE"], 2); err != nil {
		return nil, fmt.Errorf("%w: CENTRE: %v", ErrInvalidConfig, err)
	}

	for _, name := range []string{"BBOX_CRS", "CENTRE_CRS"} {
		if _, err := geo.ParseCRS(env[name]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
	}

	flags := map[string]**bool{
		"DELETE_EMPTY_FEEDS": &overrides.DeleteEmptyFeeds,
		"FAST_TRAVEL_CHECKS": &overrides.FastTravelChecks,
		"COMPUTE_SUMMARIES":  &overrides.ComputeSummaries,
		"BATCH_ORIGINS":      &overrides.BatchOrigins,
	}
	for name, target := range flags {
		value, err := strconv.ParseBool(strings.TrimSpace(env[name]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		*target = &value
	}

	return overrides, nil
}

// ApplyOverrides merges the non-empty overrides into the configuration and
// validates the result again.
func (c *RunConfiguration) ApplyOverrides(overrides *Overrides) error {
	if overrides == nil {
		return nil
	}

	option := copier.Option{IgnoreEmpty: true, DeepCopy: true}

	if len(overrides.Centre) > 0 {
		c.UrbanCentre.CentreGridRef = ""
	}

	if err := copier.CopyWithOption(&c.General, overrides, option); err != nil {
		return err
	}
	if err := copier.CopyWithOption(&c.UrbanCentre, overrides, option); err != nil {
		return err
	}
	if err := copier.CopyWithOption(&c.Options, overrides, option); err != nil {
		return err
	}

	return c.validate()
}

// ResolveInputSubdir picks the directory under inputsDir holding the osm and
// gtfs inputs. An unset subdir falls back to the country name.
func ResolveInputSubdir(inputsDir string, country string, subdir string) (string, error) {
	name := subdir
	if util.IsUnset(name) {
		name = country
	}
	if util.IsUnset(name) {
		return "", fmt.Errorf("%w: no subdirectory or country given", ErrInputSubdir)
	}

	resolved := filepath.Join(inputsDir, name)
	for _, required := range []string{"osm", "gtfs"} {
		path := filepath.Join(resolved, required)

		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: %s does not exist", ErrInputSubdir, path)
		}
	}

	return resolved, nil
}
