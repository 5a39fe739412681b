package idle

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Errors returned by mode and profile operations.
var (
	ErrModeNotFound    = fmt.Errorf("power mode not found")
	ErrModeExists      = fmt.Errorf("power mode already exists")
	ErrBuiltinReadOnly = fmt.Errorf("builtin power modes are immutable")
)

// CustomModeID is the implicit mode entered by [Manager.SetThresholds].
const CustomModeID = "custom"

// Mode is a named threshold profile plus an enabled flag. Disabled modes
// pin the manager to [StateActive].
type Mode struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Thresholds  Thresholds `yaml:"thresholds" json:"thresholds"`
	Enabled     bool       `yaml:"enabled" json:"enabled"`
	Builtin     bool       `yaml:"-" json:"builtin"`
}

// builtinModes returns the fixed mode set every Manager starts with.
func builtinModes() map[string]Mode {
	modes := []Mode{
		{
			ID:          "performance",
			Name:        "Performance",
			Description: "Idle management disabled, everything stays loaded",
			Thresholds:  DefaultThresholds(),
			Enabled:     false,
		},
		{
			ID:          "balanced",
			Name:        "Balanced",
			Description: "Default trade-off between latency and resource use",
			Thresholds:  DefaultThresholds(),
			Enabled:     true,
		},
		{
			ID:          "power_saver",
			Name:        "Power Saver",
			Description: "Aggressive unloading for battery or shared hosts",
			Thresholds:  Thresholds{Warm: 15, Cool: 120, Cold: 600, Dormant: 3600},
			Enabled:     true,
		},
		{
			ID:          "development",
			Name:        "Development",
			Description: "Relaxed thresholds so services survive debugging pauses",
			Thresholds:  Thresholds{Warm: 120, Cool: 900, Cold: 3600, Dormant: 14400},
			Enabled:     true,
		},
		{
			ID:          "presentation",
			Name:        "Presentation",
			Description: "Very relaxed thresholds for demos and screen sharing",
			Thresholds:  Thresholds{Warm: 300, Cool: 1800, Cold: 7200, Dormant: 28800},
			Enabled:     true,
		},
	}

	out := make(map[string]Mode, len(modes))
	for _, m := range modes {
		m.Builtin = true
		out[m.ID] = m
	}
	return out
}

// ProfileStore persists user-defined power modes across restarts. Builtins
// are never written to the store.
type ProfileStore interface {
	Load() ([]Mode, error)
	Save(modes []Mode) error
}

// FileProfileStore is a [ProfileStore] backed by a single YAML file,
// written atomically via temp+rename.
type FileProfileStore struct {
	path string
}

var _ ProfileStore = (*FileProfileStore)(nil)

// NewFileProfileStore creates a store writing to path. The file is created
// on first Save.
func NewFileProfileStore(path string) *FileProfileStore {
	return &FileProfileStore{path: path}
}

type profileFile struct {
	Profiles []Mode `yaml:"profiles"`
}

// Load implements [ProfileStore]. A missing file yields an empty list.
func (s *FileProfileStore) Load() ([]Mode, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading power profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing power profiles %s: %w", s.path, err)
	}

	for i := range file.Profiles {
		file.Profiles[i].Builtin = false
		if err := file.Profiles[i].Thresholds.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", file.Profiles[i].ID, err)
		}
	}
	return file.Profiles, nil
}

// Save implements [ProfileStore].
func (s *FileProfileStore) Save(modes []Mode) error {
	sorted := make([]Mode, len(modes))
	copy(sorted, modes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := yaml.Marshal(profileFile{Profiles: sorted})
	if err != nil {
		return fmt.Errorf("encoding power profiles: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing power profiles %s: %w", s.path, err)
	}
	return nil
}
