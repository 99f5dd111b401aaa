// Package config loads the optional YAML policy file. The watched attribute
// set is a policy input, not code, so it lives in configuration.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/EthDevOps/k8s-service-trigger/internal/classifier"
)

// File is the on-disk configuration. Every field is optional; flags and
// environment variables cover the same options for deployments that do not
// mount a config file.
type File struct {
	// WatchedAttributes selects which Service facets the classifier diffs.
	// Known values: external-address, ports, external-traffic-policy,
	// cluster-ip.
	WatchedAttributes []string `json:"watchedAttributes,omitempty"`

	// Tenant and Project override the workflow input parameters.
	Tenant  string `json:"tenant,omitempty"`
	Project string `json:"project,omitempty"`
}

// Load reads and validates a config file. A missing path returns an empty File.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if _, err := f.Attributes(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Attributes converts the configured attribute names, rejecting unknown ones.
// Nil means the caller should use the classifier default.
func (f *File) Attributes() ([]classifier.Attribute, error) {
	if len(f.WatchedAttributes) == 0 {
		return nil, nil
	}
	attrs := make([]classifier.Attribute, 0, len(f.WatchedAttributes))
	for _, name := range f.WatchedAttributes {
		attr, ok := classifier.ParseAttribute(name)
		if !ok {
			return nil, fmt.Errorf("unknown watched attribute %q", name)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
