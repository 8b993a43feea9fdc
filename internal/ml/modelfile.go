package ml

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseModelConfig decodes a YAML model definition and validates it.
// Unknown keys are rejected.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var cfg ModelConfig

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidModel, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadModelConfig reads a YAML model definition from path. An empty path
// returns DefaultModelConfig.
func LoadModelConfig(path string) (*ModelConfig, error) {
	if path == "" {
		return DefaultModelConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ml: read model %s: %w", path, err)
	}

	cfg, err := ParseModelConfig(data)
	if err != nil {
		return nil, fmt.Errorf("ml: load model %s: %w", path, err)
	}
	return cfg, nil
}

// MarshalModelConfig encodes cfg as YAML.
func MarshalModelConfig(cfg *ModelConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("ml: encode model: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("ml: encode model: %w", err)
	}
	return buf.Bytes(), nil
}
