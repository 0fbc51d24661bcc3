package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/config"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/workspace"
)

// UrbanCentresDir collects the outputs of urban centre only runs.
const UrbanCentresDir = "ucs"

// UrbanCentreOnly detects the urban centre of the configured area and writes
// <area>_urban_centre.html and <area>_uc_gdf.parquet into <data>/ucs. A
// detector failure is logged and gives a nil result so batch callers can
// move on to the next area.
func UrbanCentreOnly(ctx context.Context, cfg *config.RunConfiguration, raster collaborator.RasterService, detector collaborator.UrbanCentreService, logger zerolog.Logger) (*geotable.UrbanCentre, error) {
	if raster == nil || detector == nil {
		return nil, fmt.Errorf("%w: urban centre collaborators are not configured", config.ErrInvalidConfig)
	}

	area := cfg.General.AreaName
	outputDir := filepath.Join(cfg.General.DataDir, UrbanCentresDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:   cfg,
		services: collaborator.Services{Raster: raster, UrbanCentre: detector},
		logger:   logger,
		manifest: workspace.NewManifest(area, timeNow()),
	}

	p.startStage(StageUrbanCentre, fmt.Sprintf("Detecting urban centre of %s", area))

	merged, err := p.mergeUrbanCentre(ctx, filepath.Join(cfg.InputsDir(), UrbanCentreInputDir), outputDir)
	if err != nil {
		return nil, err
	}

	uc, release, err := p.runDetector(ctx, merged)
	if err != nil {
		logger.Error().Err(err).Str("stage", StageUrbanCentre).Msg("Urban centre creation failed")
		return nil, nil
	}

	err = p.saveUrbanCentre(uc,
		filepath.Join(outputDir, fmt.Sprintf("%s_urban_centre.html", area)),
		filepath.Join(outputDir, fmt.Sprintf("%s_%s", area, urbanCentreTable)),
	)
	release()
	if err != nil {
		return nil, err
	}

	logger.Info().Str("stage", StageUrbanCentre).Msg("Urban centre detection complete.")

	return uc, nil
}
