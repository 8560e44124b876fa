package wait

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var _ Strategy = (*PortStrategy)(nil)

// PortStrategy waits until a TCP connection to a mapped port succeeds.
type PortStrategy struct {
	port string
	cfg  pollConfig
}

// ForListeningPort waits for the given container port, e.g. "5432/tcp".
func ForListeningPort(port string) *PortStrategy {
	return &PortStrategy{
		port: port,
		cfg:  pollConfig{name: "port", exponential: true, attemptTimeout: time.Second},
	}
}

// ForExposedPort waits for the lowest exposed port.
func ForExposedPort() *PortStrategy {
	return ForListeningPort("")
}

// WithStartupTimeout bounds the whole wait.
func (s *PortStrategy) WithStartupTimeout(d time.Duration) *PortStrategy {
	s.cfg.timeout = d
	return s
}

// WithPollInterval sets the initial delay between dials.
func (s *PortStrategy) WithPollInterval(d time.Duration) *PortStrategy {
	s.cfg.interval = d
	return s
}

// Timeout returns the explicitly configured startup timeout, zero if unset.
func (s *PortStrategy) Timeout() time.Duration { return s.cfg.timeout }

func (s *PortStrategy) String() string {
	if s.port == "" {
		return "port(exposed)"
	}
	return fmt.Sprintf("port(%s)", s.port)
}

// WaitUntilReady implements Strategy.
func (s *PortStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	port, err := resolvePort(s.port, target)
	if err != nil {
		return err
	}
	udp := strings.HasSuffix(port, "/udp")

	cfg := s.cfg
	cfg.name = fmt.Sprintf("port(%s)", port)
	return poll(ctx, target, cfg, func(ctx context.Context) (bool, string, error) {
		host, err := target.Host(ctx)
		if err != nil {
			return false, "resolving host: " + err.Error(), nil
		}
		mapped, err := target.MappedPort(ctx, port)
		if err != nil {
			return false, "resolving port: " + err.Error(), nil
		}
		// udp has no handshake, a bound mapping is all that can be observed
		if udp {
			return true, fmt.Sprintf("udp port mapped to %d", mapped), nil
		}

		addr := net.JoinHostPort(host, strconv.Itoa(mapped))
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, fmt.Sprintf("dial %s: %v", addr, err), nil
		}
		_ = conn.Close()
		return true, "connected to " + addr, nil
	})
}
