package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkloadConfig holds the demo run parameters.
type WorkloadConfig struct {
	Seed          int `yaml:"seed" koanf:"seed"`
	Steps         int `yaml:"steps" koanf:"steps"`
	SeedSearchMax int `yaml:"seed_search_max" koanf:"seed_search_max"`
}

// VerifyConfig holds verifier settings.
type VerifyConfig struct {
	Strict bool `yaml:"strict" koanf:"strict"`
}

// Config holds vireon configuration.
type Config struct {
	Version   string         `yaml:"version" koanf:"version"`
	OutputDir string         `yaml:"output_dir" koanf:"output_dir"`
	ClaimPath string         `yaml:"claim_path,omitempty" koanf:"claim_path"`
	Workload  WorkloadConfig `yaml:"workload" koanf:"workload"`
	Verify    VerifyConfig   `yaml:"verify" koanf:"verify"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version:   "1",
		OutputDir: "capsule",
		Workload: WorkloadConfig{
			Seed:          1,
			Steps:         50,
			SeedSearchMax: 50,
		},
	}
}

// Keys lists every settable config key.
var Keys = []string{
	"output_dir",
	"claim_path",
	"workload.seed",
	"workload.steps",
	"workload.seed_search_max",
	"verify.strict",
}

// Store represents a loaded VIREON_HOME.
type Store struct {
	Home   string
	Config Config

	// File is the config file the settings were read from, if any.
	File string
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the VIREON_HOME path, respecting the VIREON_HOME env var.
func Home() string {
	if h := os.Getenv("VIREON_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".vireon")
	}
	return filepath.Join(home, ".vireon")
}

// ConfigPath returns the config.yaml path inside home.
func ConfigPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Init creates the VIREON_HOME directory and a default config.yaml.
func Init(home string, force bool) error {
	if _, err := os.Stat(ConfigPath(home)); err == nil && !force {
		return fmt.Errorf("VIREON_HOME already exists at %s (use --force to reinitialize)", home)
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", home, err)
	}
	return writeConfig(home, DefaultConfig())
}

// readFileConfig returns the settings stored in config.yaml alone, with
// defaults for missing fields.
func readFileConfig(home string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		return cfg, fmt.Errorf("cannot read VIREON_HOME config at %s: %w", ConfigPath(home), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config.yaml: %w", err)
	}
	return cfg, nil
}

func writeConfig(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(home), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetConfigValue sets a config value in home's config.yaml by dot-path key
// (e.g. "workload.seed"). Environment and flag overrides are not persisted.
func SetConfigValue(home, key, value string) error {
	cfg, err := readFileConfig(home)
	if err != nil {
		return err
	}

	switch key {
	case "output_dir":
		if value == "" {
			return fmt.Errorf("output_dir must not be empty")
		}
		cfg.OutputDir = value
	case "claim_path":
		cfg.ClaimPath = value
	case "workload.seed":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
			return fmt.Errorf("workload.seed must be a non-negative integer")
		}
		cfg.Workload.Seed = n
	case "workload.steps":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
			return fmt.Errorf("workload.steps must be a non-negative integer")
		}
		cfg.Workload.Steps = n
	case "workload.seed_search_max":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
			return fmt.Errorf("workload.seed_search_max must be a non-negative integer")
		}
		cfg.Workload.SeedSearchMax = n
	case "verify.strict":
		switch value {
		case "true":
			cfg.Verify.Strict = true
		case "false":
			cfg.Verify.Strict = false
		default:
			return fmt.Errorf("verify.strict must be true or false")
		}
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(Keys, ", "))
	}
	return writeConfig(home, cfg)
}

// Path resolves a path within VIREON_HOME.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// CheckHealth verifies VIREON_HOME structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	info, err := os.Stat(home)
	if err != nil {
		return append(issues, Issue{"error", fmt.Sprintf("missing directory: %s (run vireon init)", home)})
	}
	if !info.IsDir() {
		return append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", home)})
	}

	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		return append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return append(issues, Issue{"error", fmt.Sprintf("config.yaml does not match the config schema: %v", err)})
	}

	known := map[string]bool{"version": true, "output_dir": true, "claim_path": true, "workload": true, "verify": true}
	for k := range raw {
		if !known[k] {
			issues = append(issues, Issue{"warning", fmt.Sprintf("config.yaml: unknown key %q", k)})
		}
	}
	if cfg.ClaimPath != "" {
		if _, err := os.Stat(cfg.ClaimPath); err != nil {
			issues = append(issues, Issue{"warning", fmt.Sprintf("claim_path %s is not readable: %v", cfg.ClaimPath, err)})
		}
	}
	if cfg.Workload.Seed > cfg.Workload.SeedSearchMax {
		issues = append(issues, Issue{"warning", fmt.Sprintf("workload.seed %d is outside the seed search range [0, %d]; inverse recovery will fail",
			cfg.Workload.Seed, cfg.Workload.SeedSearchMax)})
	}

	return issues
}

// FixIssues attempts to repair simple issues in VIREON_HOME.
func FixIssues(home string) []string {
	var fixed []string

	if _, err := os.Stat(home); err != nil {
		if err := os.MkdirAll(home, 0755); err == nil {
			fixed = append(fixed, fmt.Sprintf("recreated missing directory: %s", home))
		}
	}

	if _, err := os.Stat(ConfigPath(home)); err != nil {
		if writeConfig(home, DefaultConfig()) == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
	}

	return fixed
}
