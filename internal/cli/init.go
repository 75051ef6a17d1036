package cli

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fortify-onion/fortify/internal/config"
	"github.com/fortify-onion/fortify/passport"
)

// requestTimeout: максимальное время ожидания ответа от engine.
// 5 секунд достаточно для проверки доступности, при этом docker не считает
// контейнер unhealthy из-за случайных задержек.
const requestTimeout = 5 * time.Second

var (
	stdout io.Writer = os.Stdout

	httpClient = &http.Client{
		Timeout: requestTimeout,
	}
)

func privateKey(conf *config.Config) (ed25519.PrivateKey, error) {
	if path := conf.Passport.PrivateKeyFile.Get(""); path != "" {
		return passport.LoadPrivateKey(path) //nolint: wrapcheck
	}

	return passport.ParsePrivateKey(conf.Passport.PrivateKey) //nolint: wrapcheck
}

func peerKeys(conf *config.Config) (map[string]ed25519.PublicKey, error) {
	rv := make(map[string]ed25519.PublicKey, len(conf.Passport.Peers))

	for node, value := range conf.Passport.Peers {
		key, err := passport.ParsePublicKey(value)
		if err != nil {
			return nil, fmt.Errorf("incorrect key of peer %s: %w", node, err)
		}

		rv[node] = key
	}

	return rv, nil
}

// localAddress turns a bind address into an address this host can dial.
func localAddress(bindTo string) string {
	host, port, err := net.SplitHostPort(bindTo)
	if err != nil {
		return bindTo
	}

	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
