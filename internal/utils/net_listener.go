package utils

import (
	"fmt"
	"net"
	"time"
)

const tcpKeepAlivePeriod = 30 * time.Second

// Listener sets keepalive on accepted connections. Reverse proxy keeps
// long-lived connections to the engine; dead ones have to be detected.
type Listener struct {
	net.Listener
}

func (l Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err //nolint: wrapcheck
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlivePeriod(tcpKeepAlivePeriod); err != nil {
			conn.Close()

			return nil, fmt.Errorf("cannot set TCP options: %w", err)
		}
	}

	return conn, nil
}

// NewListener создаёт TCP listener.
func NewListener(bindTo string) (net.Listener, error) {
	base, err := net.Listen("tcp", bindTo)
	if err != nil {
		return nil, fmt.Errorf("cannot build a base listener: %w", err)
	}

	return Listener{
		Listener: base,
	}, nil
}
