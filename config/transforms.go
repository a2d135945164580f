package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TransformSpec declares one transform in the catalog: where its input
// comes from, how events are keyed, an optional window list, and where
// derived records go. The catalog is static input; it is validated once
// at startup and never reloaded.
type TransformSpec struct {
	Pipeline   string   `yaml:"pipeline"`
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Source     string   `yaml:"source"`
	KeyBy      string   `yaml:"key_by"`
	Timeframes []string `yaml:"timeframes"`
	Windows    []string `yaml:"windows"`
	Output     string   `yaml:"output"`
	Encoding   string   `yaml:"encoding"`
}

// TransformCatalog is the full transform declaration file.
type TransformCatalog struct {
	Transforms []TransformSpec `yaml:"transforms"`
}

// LoadTransforms loads the transform catalog from the given path.
func LoadTransforms(path string) (*TransformCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transforms file: %w", err)
	}
	var catalog TransformCatalog
	if err := yaml.Unmarshal(expandEnv(data), &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse transforms file: %w", err)
	}
	for i := range catalog.Transforms {
		if catalog.Transforms[i].Encoding == "" {
			catalog.Transforms[i].Encoding = "json"
		}
	}
	return &catalog, nil
}
