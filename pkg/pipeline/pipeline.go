// Package pipeline sequences the stages of a transport performance run and
// persists every map and table they produce into the run workspace.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/config"
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/osm"
	"github.com/travigo/transport-performance/pkg/workspace"
)

// DetectorCRS is the working CRS of urban centre detection.
const DetectorCRS = geo.Mollweide

const (
	StageDiscovery   = "input_discovery"
	StageUrbanCentre = "urban_centre"
	StagePopulation  = "population"
	StageGTFS        = "gtfs"
	StageOSM         = "osm"
	StageNetwork     = "analyse_network"
	StageHooks       = "post_od_hooks"
	StageMetrics     = "metrics"
)

const ManifestName = "manifest.json"

var timeNow = time.Now

type Pipeline struct {
	config   *config.RunConfiguration
	layout   *workspace.Layout
	services collaborator.Services
	logger   zerolog.Logger
	hooks    []Hook
	clock    func() time.Time

	tags     *osm.TagFilter
	manifest *workspace.Manifest
}

type Option func(*Pipeline)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithHook appends a hook run between OD matrix computation and aggregation.
func WithHook(hook Hook) Option {
	return func(p *Pipeline) {
		p.hooks = append(p.hooks, hook)
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// Result is what a completed run hands back besides the files it wrote.
type Result struct {
	Area        string
	Inputs      *Inputs
	UrbanCentre *geotable.UrbanCentre
	Performance *geotable.Performance
	Stats       []geotable.StatsRow
	Manifest    *workspace.Manifest
}

// New checks everything a run needs that can be checked without doing any
// work, so a bad configuration fails before the first stage.
func New(cfg *config.RunConfiguration, layout *workspace.Layout, services collaborator.Services, opts ...Option) (*Pipeline, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"raster", services.Raster == nil},
		{"urban centre", services.UrbanCentre == nil},
		{"population", services.Population == nil},
		{"feed loader", services.LoadFeeds == nil},
		{"osm filter", services.OSM == nil},
		{"network", services.Network == nil},
		{"aggregator", services.Aggregator == nil},
	}
	for _, service := range required {
		if service.missing {
			return nil, fmt.Errorf("%w: no %s collaborator configured", config.ErrInvalidConfig, service.name)
		}
	}

	tags, err := osm.ParseTagFilter(cfg.OSM.Tags, cfg.OSM.TagExpression)
	if err != nil {
		return nil, fmt.Errorf("%w: osm.tags: %v", config.ErrInvalidConfig, err)
	}

	p := &Pipeline{
		config:   cfg,
		layout:   layout,
		services: services,
		logger:   zerolog.Nop(),
		clock:    timeNow,
		tags:     tags,
	}

	if cfg.Options.ConsistencyReference != "" {
		p.hooks = append(p.hooks, ConsistencyGate(cfg.Options.ConsistencyReference))
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Run executes every stage in order. Any stage error aborts the run.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	area := p.config.General.AreaName
	p.manifest = workspace.NewManifest(area, p.clock())

	p.logger.Info().Str("root", p.layout.Root()).Msg("Created analysis directory structure")
	p.config.Dump(p.logger)

	p.startStage(StageDiscovery, "Discovering inputs...")
	inputs, err := Discover(p.config.InputsDir(), p.config.General.AreaCountry, p.config.General.InputSubdir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageDiscovery, err)
	}
	p.logger.Info().Str("osm", inputs.OSMPath).Strs("gtfs", inputs.GTFSPaths).Msg("Found inputs")

	uc, err := p.detectUrbanCentre(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageUrbanCentre, err)
	}

	population, err := p.preparePopulation(ctx, inputs, uc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StagePopulation, err)
	}

	feedPaths, err := p.processFeeds(inputs, uc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageGTFS, err)
	}

	osmPath, err := p.filterOSM(ctx, inputs, uc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageOSM, err)
	}

	odMatrixDir, err := p.analyseNetwork(ctx, osmPath, feedPaths, population.centroidsPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageNetwork, err)
	}

	if err := p.runHooks(ctx, odMatrixDir); err != nil {
		return nil, fmt.Errorf("%s: %w", StageHooks, err)
	}

	performance, stats, err := p.computeMetrics(ctx, odMatrixDir, population, uc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageMetrics, err)
	}

	manifestPath := filepath.Join(p.layout.Path(workspace.RoleOutputs), ManifestName)
	if err := p.manifest.Save(manifestPath); err != nil {
		return nil, err
	}
	p.logger.Info().Str("path", manifestPath).Int("artifacts", len(p.manifest.Artifacts)).Msg("Saved run manifest")

	p.logger.Info().Msgf("*** Transport performance analysis of %s complete! ***", area)

	return &Result{
		Area:        area,
		Inputs:      inputs,
		UrbanCentre: uc,
		Performance: performance,
		Stats:       stats,
		Manifest:    p.manifest,
	}, nil
}

func (p *Pipeline) startStage(stage string, message string) {
	p.logger.Info().Str("stage", stage).Msg(message)
}

// persisted records a written artifact and logs its path.
func (p *Pipeline) persisted(stage string, path string, message string) error {
	if err := p.manifest.Record(stage, path); err != nil {
		return fmt.Errorf("record %s: %w", path, err)
	}
	p.logger.Info().Str("stage", stage).Str("path", path).Msg(message)

	return nil
}

func (p *Pipeline) released(stage string, what string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		p.logger.Warn().Err(err).Str("stage", stage).Msgf("Failed to release %s", what)
		return
	}
	p.logger.Debug().Str("stage", stage).Msgf("Released %s", what)
}

func (p *Pipeline) runHooks(ctx context.Context, odMatrixDir string) error {
	for _, hook := range p.hooks {
		p.startStage(StageHooks, fmt.Sprintf("Running %s...", hook.Name))
		if err := hook.Run(ctx, odMatrixDir); err != nil {
			return fmt.Errorf("%s: %w", hook.Name, err)
		}
		p.logger.Info().Str("stage", StageHooks).Msgf("%s passed", hook.Name)
	}

	return nil
}
