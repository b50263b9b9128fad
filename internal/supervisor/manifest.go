package supervisor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes one adapter's required/optional environment and
// capabilities, loaded from an optional manifest.yaml alongside the
// adapter's own source. Checked before start so a misconfigured adapter
// fails with a clear message instead of a silent subprocess crash.
//
// Supplemented feature: adapter_manager.py's discover_from_manifest/
// check_adapter_env/get_adapter_manifest, kept because it's squarely
// inside the Adapter Supervisor's own responsibility.
type Manifest struct {
	Platform     string   `yaml:"platform"`
	Version      string   `yaml:"version"`
	DisplayName  string   `yaml:"display_name"`
	Description  string   `yaml:"description"`
	Icon         string   `yaml:"icon"`
	Capabilities []string `yaml:"capabilities"`
	RequiredEnv  []string `yaml:"required_env"`
	OptionalEnv  []string `yaml:"optional_env"`
}

// LoadManifest reads a manifest.yaml file. A missing path is not an
// error — most adapters have no manifest, and checks against a nil
// manifest always pass.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading adapter manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing adapter manifest %s: %w", path, err)
	}
	return &m, nil
}

// CheckEnv reports whether every variable the manifest requires is set
// in the current process environment, and which ones are missing.
func (m *Manifest) CheckEnv() (ok bool, missing []string) {
	if m == nil {
		return true, nil
	}
	for _, v := range m.RequiredEnv {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	return len(missing) == 0, missing
}
