package engine

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticRegistry is a fixed in-memory resource registry.
type StaticRegistry struct {
	resources []*Resource
}

// NewStaticRegistry creates a registry over the given resources. Duplicate
// keys are rejected.
func NewStaticRegistry(resources []*Resource) (*StaticRegistry, error) {
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if r.Kind == "" || r.ID == "" {
			return nil, NewValidationError(
				fmt.Sprintf("resource %q must have kind and id", r.Key()), nil)
		}
		if seen[r.Key()] {
			return nil, NewValidationError(
				fmt.Sprintf("duplicate resource %s", r.Key()), nil)
		}
		seen[r.Key()] = true
	}
	return &StaticRegistry{resources: resources}, nil
}

// ListResources returns every resource in the registry.
func (s *StaticRegistry) ListResources(_ context.Context) ([]*Resource, error) {
	return s.resources, nil
}

// resourcesFile is the on-disk registry format: a YAML document with a
// single resources list.
type resourcesFile struct {
	Resources []*Resource `yaml:"resources"`
}

// LoadResourcesFile reads a resource registry from a YAML file.
func LoadResourcesFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources %s: %w", path, err)
	}

	var file resourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, NewValidationError(
			fmt.Sprintf("failed to parse resources %s", path), err)
	}
	return NewStaticRegistry(file.Resources)
}
