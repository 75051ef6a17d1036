package config

import (
	"fmt"
	"strings"

	"github.com/fortify-onion/fortify/stats"
)

// TypeStatsdTagFormat is a tag style of StatsD metrics.
type TypeStatsdTagFormat struct {
	Value string
}

func (t *TypeStatsdTagFormat) Set(value string) error {
	switch format := strings.ToLower(strings.TrimSpace(value)); format {
	case stats.TagFormatInfluxDB, stats.TagFormatDatadog, stats.TagFormatGraphite:
		t.Value = format
	default:
		return fmt.Errorf("unknown tag format %q, expected influxdb, datadog or graphite", value)
	}

	return nil
}

// Get returns the tag format, or default if not set
func (t TypeStatsdTagFormat) Get(defaultValue string) string {
	if t.Value == "" {
		return defaultValue
	}

	return t.Value
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TypeStatsdTagFormat) UnmarshalText(data []byte) error {
	return t.Set(string(data))
}

func (t TypeStatsdTagFormat) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeStatsdTagFormat) String() string {
	return t.Value
}
