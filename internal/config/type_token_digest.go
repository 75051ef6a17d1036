package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TypeTokenDigest is a hex SHA-256 digest of an admin bearer token.
// Tokens themselves never appear in configuration.
type TypeTokenDigest struct {
	Value string
}

func (t *TypeTokenDigest) Set(value string) error {
	value = strings.ToLower(strings.TrimSpace(value))

	decoded, err := hex.DecodeString(value)
	if err != nil || len(decoded) != sha256.Size {
		return fmt.Errorf("token digest should be %d hex characters", 2*sha256.Size) //nolint: gomnd
	}

	t.Value = value

	return nil
}

func (t *TypeTokenDigest) UnmarshalText(data []byte) error {
	return t.Set(string(data))
}

func (t TypeTokenDigest) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TypeTokenDigest) String() string {
	return t.Value
}
