package cli

import (
	"fmt"

	"github.com/fortify-onion/fortify/internal/config"
)

type Run struct {
	ConfigPath string `kong:"arg,required,type='existingfile',help='Path to config file.',name='config-path'"` //nolint: lll
}

func (r Run) Run(cli *CLI, version string) error {
	conf, err := config.ReadConfig(r.ConfigPath)
	if err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}

	return runEngine(conf, version)
}
