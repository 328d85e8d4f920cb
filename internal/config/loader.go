package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys: VIREON_WORKLOAD__SEED sets workload.seed.
const EnvPrefix = "VIREON_"

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"out":             "output_dir",
	"claim":           "claim_path",
	"seed":            "workload.seed",
	"steps":           "workload.steps",
	"seed-search-max": "workload.seed_search_max",
	"strict":          "verify.strict",
}

// Load reads configuration for home.
// Precedence (highest to lowest): flags > env vars > config.yaml > defaults.
// A missing config.yaml is not an error; flags may be nil.
func Load(home string, flags *pflag.FlagSet) (*Store, error) {
	k := koanf.New(".")

	def := DefaultConfig()
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"version":                  def.Version,
		"output_dir":               def.OutputDir,
		"claim_path":               def.ClaimPath,
		"workload.seed":            def.Workload.Seed,
		"workload.steps":           def.Workload.Steps,
		"workload.seed_search_max": def.Workload.SeedSearchMax,
		"verify.strict":            def.Verify.Strict,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	s := &Store{Home: home}
	cfgPath := ConfigPath(home)
	if _, err := os.Stat(cfgPath); err == nil {
		if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgPath, err)
		}
		s.File = cfgPath
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := k.Unmarshal("", &s.Config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return s, nil
}
