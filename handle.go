package gearman

import (
	"fmt"
	"net"
	"strings"
)

// handleSep joins the server address and the server-local id in the string
// form of a handle. The local id is opaque and may contain colons, so the
// separator is two slashes and the address is always the first split.
const handleSep = "//"

// Handle identifies one submitted job: the address of the server that
// accepted it plus the id that server issued. Internally it stays
// structured; the host:port//id string only exists at the API boundary so
// handles can be stored and passed between processes.
type Handle struct {
	Server string
	Local  string
}

func (h Handle) String() string {
	if h.Server == "" && h.Local == "" {
		return ""
	}
	return h.Server + handleSep + h.Local
}

// ParseHandle reconstructs a Handle from its string form.
func ParseHandle(s string) (Handle, error) {
	addr, local, ok := strings.Cut(s, handleSep)
	if !ok || addr == "" || local == "" {
		return Handle{}, fmt.Errorf("%w: %q", ErrBadHandle, s)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Handle{}, fmt.Errorf("%w: %q: %w", ErrBadHandle, s, err)
	}
	return Handle{Server: addr, Local: local}, nil
}

// normalizeAddr applies the default Gearman port to a bare host.
func normalizeAddr(addr string) (string, error) {
	if addr == "" {
		return "", ErrNoServers
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	if strings.Contains(addr, handleSep) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCfg, addr)
	}
	return net.JoinHostPort(addr, defaultPort), nil
}

const defaultPort = "4730"
