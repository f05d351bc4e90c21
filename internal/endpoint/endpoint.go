// Package endpoint defines the (host, port) value used to identify remote
// session targets and tunnel destinations.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint identifies a remote target as a (host, port) pair. The host is
// kept exactly as the caller supplied it (name or IP literal, never resolved),
// so that String() is stable enough to serve as a cache key.
type Endpoint struct {
	Host string
	Port int
}

// New returns an Endpoint for the given host and port.
func New(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// String renders the endpoint in host:port form, bracketing IPv6 literals.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is the zero value.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// Parse parses a strict "host:port" string. The port is required and must be
// in range 1-65535.
func Parse(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: expected host:port", s)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: host must not be empty", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("port %d out of range (1-65535)", port)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseAuthority parses a "[user@]host[:port]" spec. The user is optional and
// returned separately; a missing port yields Port 0 so the caller can apply
// its own default.
func ParseAuthority(spec string) (user string, ep Endpoint, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", Endpoint{}, fmt.Errorf("empty endpoint spec")
	}

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if host, portStr, splitErr := net.SplitHostPort(spec); splitErr == nil {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil || port < 1 || port > 65535 {
			return "", Endpoint{}, fmt.Errorf("invalid port %q in %q", portStr, spec)
		}
		ep = Endpoint{Host: host, Port: port}
	} else {
		ep = Endpoint{Host: spec}
	}

	if ep.Host == "" {
		return "", Endpoint{}, fmt.Errorf("invalid endpoint spec %q: host must not be empty", spec)
	}
	return user, ep, nil
}

// WithDefaultPort returns the endpoint with port set to def when unset.
func (e Endpoint) WithDefaultPort(def int) Endpoint {
	if e.Port == 0 {
		e.Port = def
	}
	return e
}
