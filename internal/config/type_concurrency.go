package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TypeConcurrency is a positive count: workers, queue sizes, limits.
type TypeConcurrency struct {
	Value uint
}

func (t *TypeConcurrency) Set(value string) error {
	v, err := strconv.ParseUint(value, 10, 32) //nolint: gomnd
	if err != nil {
		return fmt.Errorf("value is not uint (%s): %w", value, err)
	}

	if v == 0 {
		return fmt.Errorf("value should be positive")
	}

	t.Value = uint(v)

	return nil
}

func (t TypeConcurrency) Get(defaultValue uint) uint {
	if t.Value == 0 {
		return defaultValue
	}

	return t.Value
}

func (t *TypeConcurrency) UnmarshalJSON(data []byte) error {
	var value json.Number

	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("value is not a number: %w", err)
	}

	return t.Set(value.String())
}

func (t TypeConcurrency) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeConcurrency) String() string {
	return strconv.FormatUint(uint64(t.Value), 10) //nolint: gomnd
}
