package config

import (
	"fmt"
	"strings"

	"github.com/alecthomas/units"
)

type TypeBytes struct {
	Value units.Base2Bytes
}

func (t *TypeBytes) Set(value string) error {
	parsed, err := units.ParseBase2Bytes(strings.ReplaceAll(strings.TrimSpace(value), " ", ""))
	if err != nil {
		return fmt.Errorf("incorrect bytes value (%s): %w", value, err)
	}

	if parsed < 0 {
		return fmt.Errorf("bytes should be non-negative (%s)", value)
	}

	t.Value = parsed

	return nil
}

func (t TypeBytes) Get(defaultValue int64) int64 {
	if t.Value == 0 {
		return defaultValue
	}

	return int64(t.Value)
}

func (t *TypeBytes) UnmarshalText(data []byte) error {
	return t.Set(string(data))
}

func (t TypeBytes) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeBytes) String() string {
	return t.Value.String()
}
