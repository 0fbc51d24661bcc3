package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kr/pretty"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	iso8601 "github.com/senseyeio/duration"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/osm"
	"github.com/travigo/transport-performance/pkg/util"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const DefaultDataDir = "data"

type General struct {
	AreaName     string  `yaml:"area_name" toml:"area_name" validate:"required"`
	AreaCountry  string  `yaml:"area_country" toml:"area_country" validate:"required"`
	AnalysisDate string  `yaml:"analysis_date" toml:"analysis_date" validate:"required,len=8,numeric"`
	MaxTime      int     `yaml:"max_time" toml:"max_time" validate:"gt=0"`
	MaxDistance  float64 `yaml:"max_distance" toml:"max_distance" validate:"gt=0"`
	DataDir      string  `yaml:"data_dir" toml:"data_dir"`
	InputSubdir  string  `yaml:"input_subdir" toml:"input_subdir"`
}

type UrbanCentre struct {
	BBox                []float64 `yaml:"bbox" toml:"bbox" validate:"len=4"`
	BBoxCRS             string    `yaml:"bbox_crs" toml:"bbox_crs" validate:"required,crs"`
	Centre              []float64 `yaml:"centre" toml:"centre" validate:"len=2"`
	// CentreGridRef, when set, replaces Centre and CentreCRS with an
	// Ordnance Survey grid reference such as "ST 31 87".
	CentreGridRef       string    `yaml:"centre_gridref" toml:"centre_gridref"`
	CentreCRS           string    `yaml:"centre_crs" toml:"centre_crs" validate:"required,crs"`
	BufferSize          float64   `yaml:"buffer_size" toml:"buffer_size" validate:"gt=0"`
	BufferEstimationCRS string    `yaml:"buffer_estimation_crs" toml:"buffer_estimation_crs" validate:"required,crs"`
	SubsetRegex         string    `yaml:"subset_regex" toml:"subset_regex" validate:"omitempty,regex"`
}

type Population struct {
	Threshold   float64 `yaml:"threshold" toml:"threshold" validate:"gte=0"`
	SubsetRegex string  `yaml:"subset_regex" toml:"subset_regex" validate:"omitempty,regex"`
}

type GTFS struct {
	Units       string `yaml:"units" toml:"units" validate:"required,oneof=km m mi"`
	RouteLookup string `yaml:"route_lookup" toml:"route_lookup"`
}

type OSM struct {
	Tags          []string `yaml:"tags" toml:"tags" validate:"required,min=1,dive,required"`
	TagExpression string   `yaml:"tag_expression" toml:"tag_expression"`
}

type AnalyseNetwork struct {
	DepartureHour       int     `yaml:"departure_hour" toml:"departure_hour" validate:"gte=0,lte=23"`
	DepartureMinute     int     `yaml:"departure_minute" toml:"departure_minute" validate:"gte=0,lte=59"`
	DepartureTimeWindow string  `yaml:"departure_time_window" toml:"departure_time_window" validate:"required,iso8601"`
	MaxTime             int     `yaml:"max_time" toml:"max_time" validate:"gt=0"`
	MaxDistance         float64 `yaml:"max_distance" toml:"max_distance" validate:"gte=0"`
}

// Collaborators names the external command that answers raster, urban centre,
// population and routing requests.
type Collaborators struct {
	Command     []string          `yaml:"command" toml:"command"`
	Dir         string            `yaml:"dir" toml:"dir"`
	Environment map[string]string `yaml:"environment" toml:"environment"`
}

type RunConfiguration struct {
	General        General         `yaml:"general" toml:"general"`
	UrbanCentre    UrbanCentre     `yaml:"urban_centre" toml:"urban_centre"`
	Population     Population      `yaml:"population" toml:"population"`
	GTFS           GTFS            `yaml:"gtfs" toml:"gtfs"`
	OSM            OSM             `yaml:"osm" toml:"osm"`
	AnalyseNetwork AnalyseNetwork  `yaml:"analyse_network" toml:"analyse_network"`
	Options        PipelineOptions `yaml:"options" toml:"options"`
	Collaborators  Collaborators   `yaml:"collaborators" toml:"collaborators"`

	analysisDate      time.Time
	departureWindow   iso8601.Duration
	urbanCentreSubset *regexp.Regexp
	populationSubset  *regexp.Regexp
}

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("crs", func(fl validator.FieldLevel) bool {
		_, err := geo.ParseCRS(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, err := iso8601.ParseISO8601(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("regex", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})

	return v
}

// Load reads a TOML or YAML run configuration and validates every field the
// pipeline stages consume.
func Load(path string) (*RunConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RunConfiguration

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *RunConfiguration) validate() error {
	if c.General.DataDir == "" {
		c.General.DataDir = DefaultDataDir
	}

	if c.UrbanCentre.CentreGridRef != "" {
		centre, err := geo.ParseGridRef(c.UrbanCentre.CentreGridRef)
		if err != nil {
			return fmt.Errorf("%w: urban_centre.centre_gridref: %v", ErrInvalidConfig, err)
		}
		c.UrbanCentre.Centre = []float64{centre[0], centre[1]}
		c.UrbanCentre.CentreCRS = geo.BritishNationalGrid.String()
	}

	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	analysisDate, err := util.ParseDate(c.General.AnalysisDate)
	if err != nil {
		return fmt.Errorf("%w: general.analysis_date: %v", ErrInvalidConfig, err)
	}
	c.analysisDate = analysisDate

	c.departureWindow, _ = iso8601.ParseISO8601(c.AnalyseNetwork.DepartureTimeWindow)

	if _, err := geo.NewBBox(c.UrbanCentre.BBox, geo.CRS(c.UrbanCentre.BBoxCRS)); err != nil {
		return fmt.Errorf("%w: urban_centre.bbox: %v", ErrInvalidConfig, err)
	}

	if _, err := osm.ParseTagFilter(c.OSM.Tags, c.OSM.TagExpression); err != nil {
		return fmt.Errorf("%w: osm: %v", ErrInvalidConfig, err)
	}

	c.urbanCentreSubset = compileSubset(c.UrbanCentre.SubsetRegex)
	c.populationSubset = compileSubset(c.Population.SubsetRegex)

	return nil
}

func compileSubset(expression string) *regexp.Regexp {
	if expression == "" {
		return nil
	}

	return regexp.MustCompile(expression)
}

func (c *RunConfiguration) AnalysisDate() time.Time {
	return c.analysisDate
}

// DepartureTime is the analysis date at the configured departure hour and minute.
func (c *RunConfiguration) DepartureTime() time.Time {
	return util.AddTimeToDate(c.analysisDate, time.Date(0, 1, 1, c.AnalyseNetwork.DepartureHour, c.AnalyseNetwork.DepartureMinute, 0, 0, time.UTC))
}

func (c *RunConfiguration) DepartureWindow() time.Duration {
	departure := c.DepartureTime()

	return c.departureWindow.Shift(departure).Sub(departure)
}

func (c *RunConfiguration) UrbanCentreSubset() *regexp.Regexp {
	return c.urbanCentreSubset
}

func (c *RunConfiguration) PopulationSubset() *regexp.Regexp {
	return c.populationSubset
}

func (c *RunConfiguration) BBox() geo.BBox {
	bbox, _ := geo.NewBBox(c.UrbanCentre.BBox, geo.CRS(c.UrbanCentre.BBoxCRS))

	return bbox
}

func (c *RunConfiguration) InputsDir() string {
	return filepath.Join(c.General.DataDir, "inputs")
}

// Dump logs the resolved configuration at debug level.
func (c *RunConfiguration) Dump(logger zerolog.Logger) {
	if logger.GetLevel() > zerolog.DebugLevel {
		return
	}

	logger.Debug().Msgf("Resolved configuration %s", pretty.Sprint(c))
}
