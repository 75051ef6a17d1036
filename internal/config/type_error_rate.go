package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type TypeErrorRate struct {
	Value float64
}

func (t *TypeErrorRate) Set(value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("value is not a float (%s): %w", value, err)
	}

	if v <= 0.0 || v >= 1.0 {
		return fmt.Errorf("value should be in (0, 1), got %v", v)
	}

	t.Value = v

	return nil
}

func (t TypeErrorRate) Get(defaultValue float64) float64 {
	if t.Value == 0 {
		return defaultValue
	}

	return t.Value
}

func (t *TypeErrorRate) UnmarshalJSON(data []byte) error {
	var value json.Number

	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("error rate is not a number: %w", err)
	}

	return t.Set(value.String())
}

func (t TypeErrorRate) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeErrorRate) String() string {
	return strconv.FormatFloat(t.Value, 'f', -1, 64)
}
