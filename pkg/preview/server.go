// Package preview serves the maps and tables of a finished run over HTTP.
// Nothing in the run directory is modified.
package preview

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/workspace"
)

// maps are the html outputs a run writes, by the name they are served under.
var maps = map[string]struct {
	role workspace.Role
	file string
}{
	"urban_centre":                     {workspace.RoleUCOutputs, "urban_centre.html"},
	"population":                       {workspace.RolePopOutputs, "population.html"},
	"stops":                            {workspace.RoleGTFSOutputs, "stops.html"},
	"transport_performance":            {workspace.RoleMetricsOutputs, "transport_performance.html"},
	"transport_performance_const_cmap": {workspace.RoleMetricsOutputs, "transport_performance_const_cmap.html"},
}

type Server struct {
	layout *workspace.Layout
	app    *fiber.App
}

func NewServer(root string, logger zerolog.Logger) (*Server, error) {
	layout, err := workspace.Open(root)
	if err != nil {
		return nil, err
	}

	s := &Server{layout: layout, app: fiber.New(fiber.Config{DisableStartupMessage: true})}
	s.app.Use(newLogger(logger))

	group := s.app.Group("/preview")
	group.Get("version", version)
	group.Get("manifest", s.getManifest)
	group.Get("artifacts", s.listArtifacts)
	group.Get("verify", s.verify)
	group.Get("stats", s.getStats)
	group.Get("maps/:name", s.getMap)

	return s, nil
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(listen string) error {
	return s.app.Listen(listen)
}

func version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version": "v0.1",
	})
}

func (s *Server) manifest() (*workspace.Manifest, error) {
	return workspace.LoadManifest(filepath.Join(s.layout.Path(workspace.RoleOutputs), "manifest.json"))
}

func notFound(c *fiber.Ctx, message string) error {
	c.Status(fiber.StatusNotFound)
	return c.JSON(fiber.Map{
		"error": message,
	})
}

func (s *Server) getManifest(c *fiber.Ctx) error {
	manifest, err := s.manifest()
	if errors.Is(err, os.ErrNotExist) {
		return notFound(c, "Run has no manifest, it may not have completed")
	} else if err != nil {
		return err
	}

	return c.JSON(manifest)
}

func (s *Server) listArtifacts(c *fiber.Ctx) error {
	manifest, err := s.manifest()
	if errors.Is(err, os.ErrNotExist) {
		return notFound(c, "Run has no manifest, it may not have completed")
	} else if err != nil {
		return err
	}

	stage := c.Query("stage")
	artifacts := []workspace.Artifact{}
	for _, artifact := range manifest.Artifacts {
		if stage == "" || artifact.Stage == stage {
			artifacts = append(artifacts, artifact)
		}
	}

	return c.JSON(artifacts)
}

func (s *Server) verify(c *fiber.Ctx) error {
	manifest, err := s.manifest()
	if errors.Is(err, os.ErrNotExist) {
		return notFound(c, "Run has no manifest, it may not have completed")
	} else if err != nil {
		return err
	}

	changed, err := manifest.Verify()
	if err != nil {
		c.Status(fiber.StatusConflict)
		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"run_id":  manifest.RunID,
		"changed": changed,
		"valid":   len(changed) == 0,
	})
}

type statsView struct {
	Name       string  `json:"name" groups:"summary"`
	Country    string  `json:"country" groups:"summary"`
	Area       float64 `json:"area" groups:"summary"`
	Population float64 `json:"population" groups:"summary"`
	Median     float64 `json:"median" groups:"summary,detail"`
	Min        float64 `json:"min" groups:"detail"`
	Lower      float64 `json:"25_percentile" groups:"detail"`
	Upper      float64 `json:"75_percentile" groups:"detail"`
	Max        float64 `json:"max" groups:"detail"`
}

// getStats returns the summary fields, plus the full distribution with
// ?detail=true.
func (s *Server) getStats(c *fiber.Ctx) error {
	rows, err := geotable.ReadStats(filepath.Join(s.layout.Path(workspace.RoleMetricsOutputs), "transport_performance_stats.csv"))
	if errors.Is(err, os.ErrNotExist) {
		return notFound(c, "Run has no transport performance stats")
	} else if err != nil {
		return err
	}

	groups := []string{"summary"}
	if c.QueryBool("detail") {
		groups = append(groups, "detail")
	}

	views := []interface{}{}
	for _, row := range rows {
		view := statsView{
			Name:       row.UrbanCentreName,
			Country:    row.UrbanCentreCountry,
			Area:       row.UrbanCentreArea,
			Population: row.UrbanCentrePopulation,
			Median:     row.Median,
			Min:        row.Min,
			Lower:      row.Percentile25,
			Upper:      row.Percentile75,
			Max:        row.Max,
		}

		projected, err := sheriff.Marshal(&sheriff.Options{Groups: groups}, view)
		if err != nil {
			return err
		}
		views = append(views, projected)
	}

	return c.JSON(views)
}

func (s *Server) getMap(c *fiber.Ctx) error {
	entry, exists := maps[c.Params("name")]
	if !exists {
		return notFound(c, "Unknown map")
	}

	path := filepath.Join(s.layout.Path(entry.role), entry.file)
	if _, err := os.Stat(path); err != nil {
		return notFound(c, "Map was not produced by this run")
	}

	c.Type("html")
	return c.SendFile(path)
}
