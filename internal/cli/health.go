package cli

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/fortify-onion/fortify/internal/config"
)

// Health проверяет работоспособность engine через публичный /readyz.
// Используется в Dockerfile HEALTHCHECK и docker-compose healthcheck.
//
// Алгоритм:
// 1. Парсит конфиг для определения адреса публичного API
// 2. HTTP GET /readyz (или /healthz с --liveness), ожидает 200 OK
// 3. Если включён admin API, то TCP connect к его порту
type Health struct {
	ConfigPath string `kong:"arg,required,type='existingfile',help='Path to config file.',name='config-path'"` //nolint: lll
	Liveness   bool   `kong:"help='Check liveness only, ignore pool readiness.'"`
}

func (h Health) Run(cli *CLI, version string) error {
	conf, err := config.ReadConfig(h.ConfigPath)
	if err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}

	path := "/readyz"
	if h.Liveness {
		path = "/healthz"
	}

	// Для healthcheck всегда подключаемся к localhost
	if err := checkHTTP("http://" + localAddress(conf.Public.BindTo.Get("")) + path); err != nil {
		return err
	}

	// Admin API закрыт токенами, поэтому проверяем только что порт слушается
	if conf.Admin.Enabled.Get(false) {
		return checkTCP(localAddress(conf.Admin.BindTo.Get("")))
	}

	return nil
}

// checkHTTP проверяет HTTP endpoint, ожидает 200 OK.
func checkHTTP(url string) error {
	resp, err := httpClient.Get(url) //nolint: noctx
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain body для корректного закрытия соединения
	io.Copy(io.Discard, resp.Body) //nolint: errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	return nil
}

// checkTCP проверяет TCP-доступность порта.
func checkTCP(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, requestTimeout)
	if err != nil {
		return fmt.Errorf("health check TCP connect failed: %w", err)
	}

	conn.Close()

	return nil
}
