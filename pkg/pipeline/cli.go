package pipeline

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/travigo/transport-performance/pkg/bridge"
	"github.com/travigo/transport-performance/pkg/collaborator"
	"github.com/travigo/transport-performance/pkg/config"
	"github.com/travigo/transport-performance/pkg/gtfs"
	"github.com/travigo/transport-performance/pkg/logging"
	"github.com/travigo/transport-performance/pkg/metrics"
	"github.com/travigo/transport-performance/pkg/osm"
	"github.com/travigo/transport-performance/pkg/workspace"
	"github.com/urfave/cli/v2"
)

// DefaultServices wires the bridge command for raster, urban centre,
// population and network work and the in-process feed, OSM and metrics
// implementations.
func DefaultServices(client *bridge.Client, logger zerolog.Logger) collaborator.Services {
	return collaborator.Services{
		Raster:      client,
		UrbanCentre: bridge.UrbanCentreService{Client: client},
		Population:  bridge.PopulationService{Client: client},
		LoadFeeds:   gtfs.LoadFeedSet,
		OSM:         &osm.Filter{Logger: logger},
		Network:     bridge.NetworkService{Client: client},
		Aggregator:  &metrics.Aggregator{Logger: logger},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Usage:    "Path to the TOML or YAML run configuration",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "env",
			Usage: "Optional dotenv file loaded before reading overrides",
			Value: ".env",
		},
		&cli.BoolFlag{
			Name:  "from-env",
			Usage: "Require and apply the area, geometry and option overrides from the environment",
		},
	}
}

// loadConfiguration reads the configuration and, when asked, the environment
// overrides. Nothing is written to disk before this succeeds.
func loadConfiguration(c *cli.Context) (*config.RunConfiguration, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if !c.Bool("from-env") {
		return cfg, nil
	}

	overrides, err := config.ValidateEnvironment(config.LoadEnvironment(c.String("env")))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}

	return cfg, nil
}

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "pipeline",
		Usage: "Run the transport performance pipeline",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run every stage for the configured area",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "timestamp",
						Usage: "Append the current time to the run directory name",
						Value: true,
					},
				}, configFlags()...),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfiguration(c)
					if err != nil {
						return err
					}

					client, err := bridge.NewClient(cfg.Collaborators, log.Logger)
					if err != nil {
						return err
					}

					area := cfg.General.AreaName
					layout, err := workspace.Build(cfg.General.DataDir, area, c.Bool("timestamp"))
					if err != nil {
						return err
					}

					runLogger, err := logging.NewRunLogger(layout.LogFile(area), os.Stdout)
					if err != nil {
						return err
					}
					defer runLogger.Close()
					client.Logger = runLogger.Logger

					p, err := New(cfg, layout, DefaultServices(client, runLogger.Logger), WithLogger(runLogger.Logger))
					if err != nil {
						return err
					}

					startTime := time.Now()
					if _, err := p.Run(c.Context); err != nil {
						runLogger.Error().Err(err).Msg("Run failed")
						return err
					}
					runLogger.Info().Msgf("Run took %s", time.Since(startTime).String())

					return nil
				},
			},
			{
				Name:  "urban-centre",
				Usage: "Only detect the urban centre of the configured area",
				Flags: configFlags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfiguration(c)
					if err != nil {
						return err
					}

					client, err := bridge.NewClient(cfg.Collaborators, log.Logger)
					if err != nil {
						return err
					}

					_, err = UrbanCentreOnly(c.Context, cfg, client, bridge.UrbanCentreService{Client: client}, log.Logger)
					return err
				},
			},
			{
				Name:  "validate",
				Usage: "Check the configuration, environment overrides and inputs without running",
				Flags: configFlags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfiguration(c)
					if err != nil {
						return err
					}

					inputs, err := Discover(cfg.InputsDir(), cfg.General.AreaCountry, cfg.General.InputSubdir)
					if err != nil {
						return err
					}

					cfg.Dump(log.Logger)
					log.Info().
						Str("area", cfg.General.AreaName).
						Str("osm", inputs.OSMPath).
						Strs("gtfs", inputs.GTFSPaths).
						Msg("Configuration and inputs are valid")

					return nil
				},
			},
		},
	}
}
