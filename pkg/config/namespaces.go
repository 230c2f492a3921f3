// Package config provides configuration file loading for the binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NamespaceConfig is one namespace entry in the bootstrap file.
type NamespaceConfig struct {
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Retention     time.Duration `yaml:"retention"`
}

// NamespacesFile is the structure of the namespaces bootstrap YAML file.
type NamespacesFile struct {
	Namespaces []NamespaceConfig `yaml:"namespaces"`
}

// LoadNamespaces reads namespace definitions from a YAML file so deployments
// can provision tenants at startup instead of through the API.
func LoadNamespaces(filepath string) ([]NamespaceConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file NamespacesFile

	err = yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	for i, ns := range file.Namespaces {
		if ns.Name == "" {
			return nil, fmt.Errorf("namespace entry %d has no name", i)
		}

		if ns.MaxConcurrent < 1 {
			return nil, fmt.Errorf("namespace %q needs max_concurrent >= 1", ns.Name)
		}
	}

	return file.Namespaces, nil
}
