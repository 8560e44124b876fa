package engine

import (
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"
)

// NormalizePort turns "80", "80/tcp" or "53/UDP" into the canonical "80/tcp"
// form used as key in port maps.
func NormalizePort(port string) (string, error) {
	port = strings.ToLower(strings.TrimSpace(port))
	if port == "" {
		return "", fmt.Errorf("empty port")
	}

	proto, number := nat.SplitProtoPort(port)
	p, err := nat.NewPort(proto, number)
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", port, err)
	}
	if p.Int() <= 0 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	switch p.Proto() {
	case "tcp", "udp", "sctp":
	default:
		return "", fmt.Errorf("invalid port %q: unsupported protocol %q", port, p.Proto())
	}
	return string(p), nil
}
