package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AdaptersFile is the schema of adapters.yaml.
type AdaptersFile struct {
	Adapters map[string]AdapterEntry `yaml:"adapters"`
}

// AdapterEntry configures one supervised adapter subprocess.
type AdapterEntry struct {
	Enabled      bool              `yaml:"enabled"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	RestartPolicy string           `yaml:"restart_policy"` // always | on_failure | never
	RestartDelaySeconds float64    `yaml:"restart_delay"`
	MaxRestarts  int               `yaml:"max_restarts"`
	ResetWindowSeconds float64     `yaml:"reset_window"`
	ManifestPath string            `yaml:"manifest"`
}

// LoadAdaptersFile reads adapters.yaml. A missing file yields an empty,
// valid configuration (no adapters configured).
func LoadAdaptersFile(path string) (*AdaptersFile, error) {
	file := &AdaptersFile{Adapters: map[string]AdapterEntry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("reading adapters config %s: %w", path, err)
	}
	if len(data) == 0 {
		return file, nil
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parsing adapters config %s: %w", path, err)
	}
	for name, entry := range file.Adapters {
		if entry.RestartPolicy == "" {
			entry.RestartPolicy = "on_failure"
			file.Adapters[name] = entry
		}
		if entry.MaxRestarts == 0 {
			entry.MaxRestarts = 5
			file.Adapters[name] = entry
		}
		if entry.ResetWindowSeconds == 0 {
			entry.ResetWindowSeconds = 300
			file.Adapters[name] = entry
		}
		if entry.RestartDelaySeconds == 0 {
			entry.RestartDelaySeconds = 2
			file.Adapters[name] = entry
		}
	}
	return file, nil
}

// HooksFile is the schema of hooks.yaml.
type HooksFile struct {
	Hooks []HookEntry `yaml:"hooks"`
}

type HookEntry struct {
	Name        string `yaml:"name"`
	Event       string `yaml:"event"`
	Type        string `yaml:"type,omitempty"` // shell | callback; defaults to shell
	Command     string `yaml:"command,omitempty"`
	TimeoutSeconds float64 `yaml:"timeout,omitempty"`
	WorkingDir  string `yaml:"working_dir,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Priority    int    `yaml:"priority,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// LoadHooksFile reads hooks.yaml. Malformed individual entries are
// tolerated by the caller (the Manager validates per-hook), matching the
// source's tolerant per-hook loading.
func LoadHooksFile(path string) (*HooksFile, error) {
	file := &HooksFile{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("reading hooks config %s: %w", path, err)
	}
	if len(data) == 0 {
		return file, nil
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parsing hooks config %s: %w", path, err)
	}
	return file, nil
}

// SchedulerFile is the schema of scheduler.yaml.
type SchedulerFile struct {
	Tasks []TaskEntry `yaml:"tasks"`
}

type TaskEntry struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"` // one_shot | interval | cron
	Command     string  `yaml:"command,omitempty"`
	IntervalSeconds float64 `yaml:"interval,omitempty"`
	Cron        string  `yaml:"cron,omitempty"`
	DelaySeconds float64 `yaml:"delay,omitempty"`
	RunAt       string  `yaml:"run_at,omitempty"`
	TimeoutSeconds float64 `yaml:"timeout,omitempty"`
	WorkingDir  string  `yaml:"working_dir,omitempty"`
	Enabled     *bool   `yaml:"enabled,omitempty"`
	Description string  `yaml:"description,omitempty"`
}

// LoadSchedulerFile reads scheduler.yaml.
func LoadSchedulerFile(path string) (*SchedulerFile, error) {
	file := &SchedulerFile{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("reading scheduler config %s: %w", path, err)
	}
	if len(data) == 0 {
		return file, nil
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parsing scheduler config %s: %w", path, err)
	}
	return file, nil
}
