package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk config file layout: a "defaults" layer plus a
// per-instrument "instruments" map of override layers, plus the sink
// fan-out configuration the CLI bootstrap reads.
type Document struct {
	DefaultsLayer    Layer       `yaml:"defaults"`
	InstrumentLayers map[string]Layer `yaml:"instruments"`
	Sinks            SinksConfig `yaml:"sinks"`
}

// SinksConfig is the on-disk delivery-sink fan-out configuration.
type SinksConfig struct {
	Stdout  StdoutSinkConfig  `yaml:"stdout"`
	File    FileSinkConfig    `yaml:"file"`
	Webhook WebhookSinkConfig `yaml:"webhook"`
}

type StdoutSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

type FileSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type WebhookSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Load reads and parses the YAML config file at path into a Resolver
// seeded with the built-in Defaults() overridden by the file's
// "defaults" document.
func Load(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses raw YAML bytes, for callers that already have the
// document in memory (tests, embedded fixtures).
func LoadBytes(data []byte) (*Resolver, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	global := Defaults()
	mergeLayer(&global, doc.DefaultsLayer)

	return NewResolver(global, doc.InstrumentLayers), nil
}

// LoadSinks reads the same config file's "sinks" document, for callers
// that bootstrap delivery sinks alongside the resolver.
func LoadSinks(path string) (SinksConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SinksConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return SinksConfig{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	return doc.Sinks, nil
}
