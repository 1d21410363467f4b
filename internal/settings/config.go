// Package settings is the YAML-plus-keyring configuration service: it
// supplies the fallback chain and per-executable secrets the daemon
// needs to resolve which backend an agent runs through, and hot-reloads
// when config.yaml changes on disk.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ExecutableConfig describes one entry in the fallback chain: which
// sessionmanager backend it binds to and how to reach it. APIKeyRef
// names a keyring account rather than carrying the secret itself —
// secrets never live in config.yaml.
type ExecutableConfig struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"` // "anthropic", "openai", or "process"
	Model     string   `yaml:"model,omitempty"`
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	BaseURL   string   `yaml:"base_url,omitempty"`
	APIKeyRef string   `yaml:"api_key_ref,omitempty"`
}

// FileConfig is the on-disk shape of config.yaml.
type FileConfig struct {
	DataDir string `yaml:"data_dir"`

	// DefaultExecutable is used when an agent has no per-agent override.
	DefaultExecutable string `yaml:"default_executable"`

	// FallbackChains maps an agent id to its ordered executable chain.
	// The "" key is the organization-wide default chain consulted when
	// no per-agent entry exists (the daemon has exactly one chain in
	// practice, per internal/daemon's resolveChainForTracker).
	FallbackChains map[string][]string `yaml:"fallback_chains"`

	Executables []ExecutableConfig `yaml:"executables"`
}

// DefaultFileConfig returns the configuration a fresh install starts
// with: a single "claude" executable and no fallback chain configured.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		DataDir:           defaultDataDir(),
		DefaultExecutable: "claude",
		FallbackChains:    map[string][]string{},
		Executables: []ExecutableConfig{
			{Name: "claude", Kind: "process", Command: "claude", Args: []string{"--print"}},
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dispatchd"
	}
	return filepath.Join(home, ".dispatchd")
}

// LoadFileConfig reads config.yaml at path, falling back to defaults if
// the file does not exist yet.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory if
// needed.
func (c FileConfig) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("settings: create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("settings: marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ExecutableByName looks up a configured executable, or nil if none
// matches.
func (c FileConfig) ExecutableByName(name string) *ExecutableConfig {
	for i := range c.Executables {
		if c.Executables[i].Name == name {
			return &c.Executables[i]
		}
	}
	return nil
}
