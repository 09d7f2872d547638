// Package config loads fabric configuration from a YAML file with an
// environment-variable overlay. File values override the built-in
// defaults; WEFT_-prefixed environment variables override the file.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/pkg/api"
)

// File is the on-disk configuration shape.
type File struct {
	Bus    api.BusConfig    `yaml:"bus"`
	Engine api.EngineConfig `yaml:"engine"`
	Mesh   api.MeshConfig   `yaml:"mesh"`
}

// Default returns a File populated with the component defaults.
func Default() File {
	return File{
		Bus:    api.DefaultBusConfig(),
		Engine: api.DefaultEngineConfig(),
		Mesh:   api.DefaultMeshConfig(),
	}
}

// Load reads path (optional; "" skips the file), then applies the
// environment overlay on top of defaults and file values.
func Load(path string) (File, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	return cfg, nil
}
