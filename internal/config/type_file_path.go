package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// TypeFilePath is a path to an existing readable file. It is resolved to
// an absolute path so later chdir does not break it.
type TypeFilePath struct {
	Value string
}

func (t *TypeFilePath) Set(value string) error {
	stat, err := os.Stat(value)
	if err != nil {
		return fmt.Errorf("value is not a correct filepath (%s): %w", value, err)
	}

	switch {
	case stat.IsDir():
		return fmt.Errorf("value is correct filepath but directory")
	case stat.Mode().Perm()&0o400 == 0:
		return fmt.Errorf("value is correct filepath but not readable")
	}

	value, err = filepath.Abs(value)
	if err != nil {
		return fmt.Errorf(
			"value is correct filepath but cannot resolve absolute (%s): %w",
			value, err)
	}

	t.Value = value

	return nil
}

func (t TypeFilePath) Get(defaultValue string) string {
	if t.Value == "" {
		return defaultValue
	}

	return t.Value
}

func (t *TypeFilePath) UnmarshalText(data []byte) error {
	return t.Set(string(data))
}

func (t TypeFilePath) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeFilePath) String() string {
	return t.Value
}
