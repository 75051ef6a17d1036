package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fortify-onion/fortify/internal/config"
)

// Intensity показывает или меняет уровень защиты через admin API.
// Без аргумента level выполняется GET, с ним PUT.
type Intensity struct {
	ConfigPath string `kong:"arg,required,type='existingfile',help='Path to config file.',name='config-path'"` //nolint: lll
	Level      string `kong:"arg,optional,help='New intensity level.'"`
	Reason     string `kong:"help='Reason recorded in the audit log.'"`
	Token      string `kong:"env='FORTIFY_ADMIN_TOKEN',help='Admin bearer token.'"`
}

func (i Intensity) Run(cli *CLI, version string) error {
	conf, err := config.ReadConfig(i.ConfigPath)
	if err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}

	if !conf.Admin.Enabled.Get(false) {
		return fmt.Errorf("admin API is not enabled")
	}

	if i.Token == "" {
		return fmt.Errorf("admin token is not set")
	}

	url := "http://" + localAddress(conf.Admin.BindTo.Get("")) + "/intensity"

	return i.call(url)
}

func (i Intensity) call(url string) error {
	method := http.MethodGet

	var body io.Reader

	if i.Level != "" {
		level, err := strconv.Atoi(i.Level)
		if err != nil {
			return fmt.Errorf("incorrect level %q: %w", i.Level, err)
		}

		if strings.TrimSpace(i.Reason) == "" {
			return fmt.Errorf("reason is required to change intensity")
		}

		encoded, err := json.Marshal(map[string]any{
			"level":  level,
			"reason": i.Reason,
		})
		if err != nil {
			return fmt.Errorf("cannot encode request: %w", err)
		}

		method = http.MethodPut
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, url, body) //nolint: noctx
	if err != nil {
		return fmt.Errorf("cannot build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+i.Token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot call admin API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cannot read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API responded with %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	formatted := &bytes.Buffer{}
	if err := json.Indent(formatted, data, "", "  "); err != nil {
		return fmt.Errorf("incorrect response: %w", err)
	}

	fmt.Fprintln(stdout, formatted.String())

	return nil
}
