package preview

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/workspace"
)

func sampleRun(t *testing.T) *workspace.Layout {
	t.Helper()

	layout, err := workspace.Build(t.TempDir(), "sampletown", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	metricsDir := layout.Path(workspace.RoleMetricsOutputs)
	mapPath := filepath.Join(metricsDir, "transport_performance.html")
	if err := os.WriteFile(mapPath, []byte("<html>map</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	statsPath := filepath.Join(metricsDir, "transport_performance_stats.csv")
	err = geotable.WriteCSV(statsPath, []geotable.StatsRow{{
		UrbanCentreName:    "Sampletown",
		UrbanCentreCountry: "Wales",
		Median:             42,
		Max:                90,
	}})
	if err != nil {
		t.Fatal(err)
	}

	manifest := workspace.NewManifest("sampletown", time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC))
	for _, path := range []string{mapPath, statsPath} {
		if err := manifest.Record("metrics", path); err != nil {
			t.Fatal(err)
		}
	}
	if err := manifest.Save(filepath.Join(layout.Path(workspace.RoleOutputs), "manifest.json")); err != nil {
		t.Fatal(err)
	}

	return layout
}

func get(t *testing.T, server *Server, target string) (int, string) {
	t.Helper()

	resp, err := server.App().Test(httptest.NewRequest("GET", target, nil))
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	return resp.StatusCode, string(body)
}

func TestRoutes(t *testing.T) {
	layout := sampleRun(t)
	server, err := NewServer(layout.Root(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	tests := []struct {
		target   string
		status   int
		contains string
	}{
		{"/preview/version", 200, "v0.1"},
		{"/preview/manifest", 200, `"area":"sampletown"`},
		{"/preview/artifacts?stage=metrics", 200, "transport_performance.html"},
		{"/preview/artifacts?stage=gtfs", 200, "[]"},
		{"/preview/verify", 200, `"valid":true`},
		{"/preview/maps/transport_performance", 200, "<html>map</html>"},
		{"/preview/maps/population", 404, "not produced"},
		{"/preview/maps/unknown", 404, "Unknown map"},
	}

	for _, test := range tests {
		t.Run(test.target, func(t *testing.T) {
			status, body := get(t, server, test.target)
			if status != test.status {
				t.Fatalf("status %d, body %s", status, body)
			}
			if !strings.Contains(body, test.contains) {
				t.Fatalf("body %s does not contain %s", body, test.contains)
			}
		})
	}
}

func TestStatsGroups(t *testing.T) {
	server, err := NewServer(sampleRun(t).Root(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		target string
		keys   int
	}{
		{"/preview/stats", 5},
		{"/preview/stats?detail=true", 9},
	} {
		status, body := get(t, server, test.target)
		if status != 200 {
			t.Fatalf("%s: status %d", test.target, status)
		}

		var rows []map[string]interface{}
		if err := json.Unmarshal([]byte(body), &rows); err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 || len(rows[0]) != test.keys {
			t.Fatalf("%s: unexpected rows %v", test.target, rows)
		}
	}
}

func TestVerifyReportsChangedArtifacts(t *testing.T) {
	layout := sampleRun(t)
	server, err := NewServer(layout.Root(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	mapPath := filepath.Join(layout.Path(workspace.RoleMetricsOutputs), "transport_performance.html")
	if err := os.WriteFile(mapPath, []byte("<html>edited</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, body := get(t, server, "/preview/verify")
	if !strings.Contains(body, `"valid":false`) || !strings.Contains(body, "transport_performance.html") {
		t.Fatalf("unexpected verify response %s", body)
	}
}

func TestNewServerRejectsIncompleteRun(t *testing.T) {
	if _, err := NewServer(t.TempDir(), zerolog.Nop()); err == nil {
		t.Fatal("expected an error for a directory that is not a run")
	}
}
