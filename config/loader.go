package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/metricrelay/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "METRICRELAY"

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Schema returns the embedded JSON Schema document.
func Schema() []byte { return bytes.Clone(schemaJSON) }

// envOverrides maps environment suffixes to document paths.
var envOverrides = []struct {
	suffix string
	path   []string
}{
	{"NODE_ID", []string{"node_id"}},
	{"LOG_LEVEL", []string{"log", "level"}},
	{"LOG_FORMAT", []string{"log", "format"}},
	{"HTTP_ADDR", []string{"http", "addr"}},
	{"RELAY_TARGET", []string{"relay", "target"}},
	{"RELAY_LISTEN", []string{"relay", "listen"}},
	{"NATS_URL", []string{"nats", "url"}},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables schema and semantic validation.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers and the environment, validates the result and
// returns it with defaults applied.
func (l *Loader) Load() (*Config, error) {
	doc := map[string]any{}
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		doc = deepMergeMaps(doc, raw)
	}
	l.applyEnvOverrides(doc)

	if l.validation {
		if err := validateSchema(doc); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "schema validation")
		}
	}

	cfg, err := decode(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "decode")
	}
	cfg.ApplyDefaults()

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(doc map[string]any) {
	for _, o := range envOverrides {
		val, ok := l.lookupEnv(l.envPrefix + "_" + o.suffix)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		setPath(doc, o.path, strings.TrimSpace(val))
	}
}

func setPath(doc map[string]any, path []string, val any) {
	m := doc
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = val
}

func validateSchema(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var msg strings.Builder
	msg.WriteString("configuration does not match schema:")
	for _, desc := range result.Errors() {
		fmt.Fprintf(&msg, "\n  - %s: %s", desc.Field(), desc.Description())
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg.String())
}

// decode re-encodes the merged document and decodes it strictly into Config.
func decode(doc map[string]any) (*Config, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
