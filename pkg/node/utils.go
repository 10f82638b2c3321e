package node

import (
	"net"
	"strings"
)

// NormalizeHostPort strips an http:// or https:// prefix and adds defPort
// when addr carries no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}
