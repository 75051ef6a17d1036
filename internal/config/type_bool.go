package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type TypeBool struct {
	Value bool
	isSet bool
}

func (t *TypeBool) Set(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "y", "yes", "enabled", "true":
		t.Value = true
	case "0", "n", "no", "disabled", "false":
		t.Value = false
	default:
		return fmt.Errorf("unknown bool value %s", value)
	}

	t.isSet = true

	return nil
}

func (t TypeBool) Get(defaultValue bool) bool {
	if !t.isSet {
		return defaultValue
	}

	return t.Value
}

func (t *TypeBool) UnmarshalJSON(data []byte) error {
	var value string

	if err := json.Unmarshal(data, &value); err == nil {
		return t.Set(value)
	}

	return t.Set(string(data))
}

func (t TypeBool) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeBool) String() string {
	return strconv.FormatBool(t.Value)
}
