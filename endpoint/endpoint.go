// Package endpoint resolves broker URIs to network addresses and exposes
// an equality identity the router uses to detect when a broker's
// advertised address has changed and its connection needs replacing.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a resolved broker address: the URI the caller asked for,
// plus the host:port pair DNS resolution produced. Two endpoints are equal
// iff their resolved host:port pairs are equal — the advertised URI is
// kept only for logging, it plays no part in equality.
type Endpoint struct {
	URI  string
	Host string
	Port int32
}

// Addr is the dialable host:port string.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Equal reports whether two endpoints resolve to the same IP-socket pair.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Port == o.Port
}

func (e Endpoint) String() string {
	if e.URI != "" && e.URI != e.Addr() {
		return fmt.Sprintf("%s (%s)", e.URI, e.Addr())
	}
	return e.Addr()
}

// Resolve performs synchronous DNS resolution of uri ("host:port", or
// "scheme://host:port") into an Endpoint. It caches nothing: resolution
// happens once, when the endpoint is constructed, not on every send.
func Resolve(uri string) (Endpoint, error) {
	hostport := stripScheme(uri)
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("error splitting host:port from %q: %w", uri, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("error parsing port from %q: %w", uri, err)
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("error resolving host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return Endpoint{}, fmt.Errorf("no addresses found for host %q", host)
	}
	return Endpoint{URI: uri, Host: ips[0], Port: int32(port)}, nil
}

func stripScheme(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		return uri[i+3:]
	}
	return uri
}

// ResolveAll resolves every uri in uris, returning the endpoints that
// resolved and one error, prefixed with its uri, for each one that didn't
// (errs holds failures only, so its indices do not line up with uris).
// Construction fails only when every seed fails; callers log a warning
// for each individual failure.
func ResolveAll(uris []string) (resolved []Endpoint, errs []error) {
	for _, uri := range uris {
		ep, err := Resolve(uri)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", uri, err))
			continue
		}
		resolved = append(resolved, ep)
	}
	return resolved, errs
}
