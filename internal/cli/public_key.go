package cli

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fortify-onion/fortify/internal/config"
	"github.com/fortify-onion/fortify/passport"
)

// PublicKey печатает публичный ключ узла: его нужно разложить по keyring
// остальных узлов кластера.
type PublicKey struct {
	ConfigPath string `kong:"arg,required,type='existingfile',help='Path to config file.',name='config-path'"` //nolint: lll
}

func (p PublicKey) Run(cli *CLI, version string) error {
	conf, err := config.ReadConfig(p.ConfigPath)
	if err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}

	key, err := privateKey(conf)
	if err != nil {
		return fmt.Errorf("cannot load private key: %w", err)
	}

	fmt.Fprintf(stdout, "%s = %q\n", conf.NodeID, passport.EncodeKey(key.Public().(ed25519.PublicKey)))

	return nil
}
