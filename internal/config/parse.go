package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Parse reads TOML configuration. A document is converted into JSON and
// decoded into typed values, so every value is validated by its type.
// Unknown keys are errors.
func Parse(rawData []byte) (*Config, error) {
	tree, err := toml.LoadBytes(rawData)
	if err != nil {
		return nil, fmt.Errorf("cannot parse toml config: %w", err)
	}

	jsonData, err := json.Marshal(tree.ToMap())
	if err != nil {
		panic(err)
	}

	decoder := json.NewDecoder(bytes.NewReader(jsonData))
	decoder.DisallowUnknownFields()

	conf := &Config{}

	if err := decoder.Decode(conf); err != nil {
		return nil, fmt.Errorf("cannot parse a config: %w", err)
	}

	return conf, nil
}

// ReadConfig reads, parses and validates a configuration file.
func ReadConfig(path string) (*Config, error) {
	rawData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read a config file: %w", err)
	}

	conf, err := Parse(rawData)
	if err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return conf, nil
}
