package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Artifact struct {
	Stage  string `json:"stage"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest records every file a run persisted together with its checksum.
type Manifest struct {
	RunID     string     `json:"run_id"`
	Area      string     `json:"area"`
	CreatedAt time.Time  `json:"created_at"`
	Artifacts []Artifact `json:"artifacts"`
}

func NewManifest(area string, now time.Time) *Manifest {
	return &Manifest{
		RunID:     uuid.New().String(),
		Area:      area,
		CreatedAt: now,
	}
}

// Record adds the file at path, or every file below it when path is a
// directory.
func (m *Manifest) Record(stage string, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		artifact, err := describe(stage, path)
		if err != nil {
			return err
		}
		m.Artifacts = append(m.Artifacts, artifact)
		return nil
	}

	var files []string
	err = filepath.Walk(path, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, file)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		artifact, err := describe(stage, file)
		if err != nil {
			return err
		}
		m.Artifacts = append(m.Artifacts, artifact)
	}

	return nil
}

func describe(stage string, path string) (Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Stage:  stage,
		Path:   path,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Verify rechecks every recorded artifact and returns the paths whose
// contents no longer match.
func (m *Manifest) Verify() ([]string, error) {
	var changed []string

	for _, artifact := range m.Artifacts {
		current, err := describe(artifact.Stage, artifact.Path)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", artifact.Path, err)
		}
		if current.SHA256 != artifact.SHA256 || current.Size != artifact.Size {
			changed = append(changed, artifact.Path)
		}
	}

	return changed, nil
}

func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &manifest, nil
}
