package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes and compiles a standalone policy document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := cfg.Compile(); err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads a policy document from path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}
