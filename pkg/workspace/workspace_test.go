package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2023, 10, 27, 9, 5, 0, 0, time.UTC)
}

func TestBuildIsDeterministic(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")

	layout, err := Build(dataDir, "sampletown", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if layout.Root() != filepath.Join(dataDir, "sampletown") {
		t.Fatalf("unexpected root %s", layout.Root())
	}
	if len(layout.Roles()) != 13 {
		t.Fatalf("expected 13 roles, got %d", len(layout.Roles()))
	}

	expected := map[Role]string{
		RoleInterimUC:      "sampletown/interim/urban_centre",
		RoleANOutputs:      "sampletown/outputs/analyse_network",
		RoleMetricsOutputs: "sampletown/outputs/metrics",
		RoleLog:            "sampletown/outputs/log",
	}
	for role, rel := range expected {
		if layout.Path(role) != filepath.Join(dataDir, rel) {
			t.Errorf("%s = %s", role, layout.Path(role))
		}
	}

	for _, role := range layout.Roles() {
		if info, err := os.Stat(layout.Path(role)); err != nil || !info.IsDir() {
			t.Errorf("%s was not created", role)
		}
	}

	if layout.LogFile("sampletown") != filepath.Join(dataDir, "sampletown/outputs/log/sampletown_analysis.txt") {
		t.Fatalf("unexpected log file %s", layout.LogFile("sampletown"))
	}
}

func TestBuildTimestamp(t *testing.T) {
	layout, err := Build(t.TempDir(), "sampletown", true, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if filepath.Base(layout.Root()) != "sampletown_20231027_0905" {
		t.Fatalf("unexpected root %s", layout.Root())
	}
}

func TestRebuildFailsWithoutTouchingExisting(t *testing.T) {
	dataDir := t.TempDir()

	layout, err := Build(dataDir, "sampletown", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	marker := filepath.Join(layout.Path(RoleOutputs), "keep.txt")
	if err := os.WriteFile(marker, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Build(dataDir, "sampletown", false); !errors.Is(err, ErrWorkspaceExists) {
		t.Fatalf("expected ErrWorkspaceExists, got %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("existing workspace was modified: %v", err)
	}
}

func TestOpenExistingLayout(t *testing.T) {
	built, err := Build(t.TempDir(), "sampletown", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	opened, err := Open(built.Root())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, role := range built.Roles() {
		if opened.Path(role) != built.Path(role) {
			t.Errorf("%s = %s, built %s", role, opened.Path(role), built.Path(role))
		}
	}

	if err := os.Remove(built.Path(RoleLog)); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(built.Root()); err == nil {
		t.Fatal("expected an incomplete run directory to be rejected")
	}
}

func TestBuildRollsBackPartialTree(t *testing.T) {
	base := t.TempDir()
	dataDir := filepath.Join(base, "nested", "data")

	calls := 0
	failing := func(b *builder) {
		b.mkdir = func(dir string, perm os.FileMode) error {
			calls++
			if filepath.Base(dir) == "analyse_network" {
				return errors.New("disk full")
			}
			return os.Mkdir(dir, perm)
		}
	}

	if _, err := Build(dataDir, "sampletown", false, failing); err == nil {
		t.Fatal("expected the build to fail")
	}
	if calls == 0 {
		t.Fatal("the failing mkdir was not used")
	}

	if _, err := os.Stat(filepath.Join(base, "nested")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("directories created by the failed build were left behind: %v", err)
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatal("pre-existing directory was removed")
	}
}

func TestManifestVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	manifest := NewManifest("sampletown", fixedClock())
	if err := manifest.Record("metrics", dir); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(manifest.Artifacts) != 1 || manifest.Artifacts[0].Size != 8 {
		t.Fatalf("unexpected artifacts %+v", manifest.Artifacts)
	}

	changed, err := manifest.Verify()
	if err != nil || len(changed) != 0 {
		t.Fatalf("expected no changes, got %v %v", changed, err)
	}

	if err := os.WriteFile(path, []byte("a,b\n1,3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, _ = manifest.Verify()
	if len(changed) != 1 {
		t.Fatalf("expected the rewritten file to be reported, got %v", changed)
	}

	out := filepath.Join(t.TempDir(), "manifest.json")
	if err := manifest.Save(out); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadManifest(out)
	if err != nil || loaded.RunID != manifest.RunID {
		t.Fatalf("unexpected manifest %+v %v", loaded, err)
	}
}
