package config

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fortify-onion/fortify/intensity"
)

// TypeIntensity is a defense intensity level. Zero is a valid level, so
// presence is tracked separately.
type TypeIntensity struct {
	Value int
	isSet bool
}

func (t *TypeIntensity) Set(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("intensity is not an integer (%s): %w", value, err)
	}

	if v < intensity.Min || v > intensity.Max {
		return fmt.Errorf("intensity should be in [%d, %d], got %d", intensity.Min, intensity.Max, v)
	}

	t.Value = v
	t.isSet = true

	return nil
}

func (t TypeIntensity) Get(defaultValue int) int {
	if !t.isSet {
		return defaultValue
	}

	return t.Value
}

func (t *TypeIntensity) UnmarshalJSON(data []byte) error {
	var value json.Number

	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("intensity is not a number: %w", err)
	}

	return t.Set(value.String())
}

func (t TypeIntensity) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeIntensity) String() string {
	return strconv.Itoa(t.Value)
}
