package preview

import (
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Preview the maps and tables of a finished run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "run",
				Usage:    "Run directory to serve",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "listen",
				Value: ":8080",
				Usage: "listen target for the web server",
			},
		},
		Action: func(c *cli.Context) error {
			server, err := NewServer(c.String("run"), log.Logger)
			if err != nil {
				return err
			}

			log.Info().Str("run", c.String("run")).Str("listen", c.String("listen")).Msg("Serving run preview")

			return server.Listen(c.String("listen"))
		},
	}
}
