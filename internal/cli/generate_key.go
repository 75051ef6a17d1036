package cli

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fortify-onion/fortify/passport"
)

type GenerateKey struct{}

func (g GenerateKey) Run(cli *CLI, version string) error {
	key, err := passport.GenerateKey()
	if err != nil {
		return err //nolint: wrapcheck
	}

	fmt.Fprintf(stdout, "private-key = %q\n", passport.EncodeKey(key))
	fmt.Fprintf(stdout, "# public key: %s\n", passport.EncodeKey(key.Public().(ed25519.PublicKey)))

	return nil
}
