package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TypeRateLimit: положительное число событий в секунду.
type TypeRateLimit struct {
	Value float64
}

func (t *TypeRateLimit) Set(value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("value is not a number (%s): %w", value, err)
	}

	if v <= 0 {
		return fmt.Errorf("value should be positive (%s)", value)
	}

	t.Value = v

	return nil
}

func (t TypeRateLimit) Get(defaultValue float64) float64 {
	if t.Value == 0 {
		return defaultValue
	}

	return t.Value
}

func (t *TypeRateLimit) UnmarshalJSON(data []byte) error {
	var value json.Number

	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("value is not a number: %w", err)
	}

	return t.Set(value.String())
}

func (t TypeRateLimit) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeRateLimit) String() string {
	return strconv.FormatFloat(t.Value, 'f', -1, 64)
}
