package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service. Zero values mean
// "unspecified" and are replaced by defaults in cmd/lmfacaded.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	BackendsDir  string `json:"backends_dir" yaml:"backends_dir" toml:"backends_dir"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`

	PoolName         string `json:"pool_name" yaml:"pool_name" toml:"pool_name"`
	PoolSize         int    `json:"pool_size" yaml:"pool_size" toml:"pool_size"`
	PoolDir          string `json:"pool_dir" yaml:"pool_dir" toml:"pool_dir"`
	PoolCleanOnStart bool   `json:"pool_clean_on_start" yaml:"pool_clean_on_start" toml:"pool_clean_on_start"`

	DefaultParams DefaultParams `json:"default_params" yaml:"default_params" toml:"default_params"`
}

// DefaultParams mirrors the subset of pkg/session.Params a deployment wants
// to configure globally rather than per request.
type DefaultParams struct {
	NCtx          uint32  `json:"n_ctx" yaml:"n_ctx" toml:"n_ctx"`
	NBatch        uint32  `json:"n_batch" yaml:"n_batch" toml:"n_batch"`
	Temperature   float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK          uint32  `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP          float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty float32 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
