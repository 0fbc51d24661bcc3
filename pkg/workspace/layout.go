package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrWorkspaceExists = errors.New("workspace directory already exists")

type Role string

const (
	RoleFiles          Role = "files"
	RoleInterim        Role = "interim"
	RoleInterimUC      Role = "interim_uc"
	RoleInterimPop     Role = "interim_pop"
	RoleInterimGTFS    Role = "interim_gtfs"
	RoleInterimOSM     Role = "interim_osm"
	RoleOutputs        Role = "outputs"
	RoleUCOutputs      Role = "uc_outputs"
	RolePopOutputs     Role = "pop_outputs"
	RoleGTFSOutputs    Role = "gtfs_outputs"
	RoleANOutputs      Role = "an_outputs"
	RoleMetricsOutputs Role = "metrics_outputs"
	RoleLog            Role = "log"
)

const TimestampLayout = "20060102_1504"

// roles in creation order, parents before children.
var roles = []struct {
	role   Role
	parent Role
	name   string
}{
	{RoleInterim, RoleFiles, "interim"},
	{RoleInterimUC, RoleInterim, "urban_centre"},
	{RoleInterimPop, RoleInterim, "population"},
	{RoleInterimGTFS, RoleInterim, "gtfs"},
	{RoleInterimOSM, RoleInterim, "osm"},
	{RoleOutputs, RoleFiles, "outputs"},
	{RoleUCOutputs, RoleOutputs, "urban_centre"},
	{RolePopOutputs, RoleOutputs, "population"},
	{RoleGTFSOutputs, RoleOutputs, "gtfs"},
	{RoleANOutputs, RoleOutputs, "analyse_network"},
	{RoleMetricsOutputs, RoleOutputs, "metrics"},
	{RoleLog, RoleOutputs, "log"},
}

// Layout maps each role of a run to its directory. It is read only once built.
type Layout struct {
	paths map[Role]string
	order []Role
}

type Option func(*builder)

type builder struct {
	now   func() time.Time
	mkdir func(string, os.FileMode) error
}

// WithClock overrides the clock used for the timestamp suffix.
func WithClock(clock func() time.Time) Option {
	return func(b *builder) {
		b.now = clock
	}
}

// Build creates the run directory tree under dataDir. Nothing is merged into
// an existing tree: if any directory already exists the build fails with
// ErrWorkspaceExists and every directory this call created is removed again.
func Build(dataDir string, areaName string, appendTimestamp bool, opts ...Option) (*Layout, error) {
	b := &builder{now: time.Now, mkdir: os.Mkdir}
	for _, opt := range opts {
		opt(b)
	}

	if areaName == "" {
		return nil, errors.New("workspace needs an area name")
	}

	name := areaName
	if appendTimestamp {
		name = fmt.Sprintf("%s_%s", areaName, b.now().Format(TimestampLayout))
	}

	layout := newLayout(filepath.Join(dataDir, name))

	var created []string
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			os.Remove(created[i])
		}
	}

	parents, err := missingAncestors(dataDir)
	if err != nil {
		return nil, err
	}
	for _, dir := range parents {
		if err := b.mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			rollback()
			return nil, err
		} else if err == nil {
			created = append(created, dir)
		}
	}

	for _, role := range layout.order {
		dir := layout.paths[role]
		if err := b.mkdir(dir, 0o755); err != nil {
			rollback()
			if errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("%w: %s", ErrWorkspaceExists, dir)
			}
			return nil, err
		}
		created = append(created, dir)
	}

	return layout, nil
}

func newLayout(root string) *Layout {
	layout := &Layout{paths: map[Role]string{RoleFiles: root}, order: []Role{RoleFiles}}
	for _, r := range roles {
		layout.paths[r.role] = filepath.Join(layout.paths[r.parent], r.name)
		layout.order = append(layout.order, r.role)
	}

	return layout
}

// Open returns the layout of an existing run directory without touching it.
func Open(root string) (*Layout, error) {
	layout := newLayout(filepath.Clean(root))

	for _, role := range layout.order {
		info, err := os.Stat(layout.paths[role])
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", layout.paths[role])
		}
	}

	return layout, nil
}

// missingAncestors lists dir and its parents that do not exist yet, outermost first.
func missingAncestors(dir string) ([]string, error) {
	var missing []string

	for current := filepath.Clean(dir); ; {
		_, err := os.Stat(current)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		missing = append([]string{current}, missing...)

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return missing, nil
}

func (l *Layout) Path(role Role) string {
	return l.paths[role]
}

func (l *Layout) Roles() []Role {
	return append([]Role(nil), l.order...)
}

// Root is the run directory every other role lives under.
func (l *Layout) Root() string {
	return l.paths[RoleFiles]
}

func (l *Layout) LogFile(areaName string) string {
	return filepath.Join(l.paths[RoleLog], fmt.Sprintf("%s_analysis.txt", areaName))
}
