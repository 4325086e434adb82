package engine

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// parseDevice returns the descriptor of an "fd://N" reference.
func parseDevice(ref string) (int, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return -1, fmt.Errorf("%w: device %q: %s", ErrInvalidConfig, ref, err)
	}
	if u.Scheme != "fd" {
		return -1, fmt.Errorf("%w: device %q: not a descriptor reference", ErrInvalidConfig, ref)
	}
	fd, err := strconv.Atoi(u.Host)
	if err != nil || fd < 0 {
		return -1, fmt.Errorf("%w: device %q: bad descriptor", ErrInvalidConfig, ref)
	}
	return fd, nil
}

// proxyAddr is the SOCKS5 endpoint the stack forwards to.
type proxyAddr struct {
	address  string
	username string
	password string
}

// parseProxy parses a "socks5://[user:pass@]host:port" URI.
func parseProxy(uri string) (proxyAddr, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return proxyAddr{}, fmt.Errorf("%w: proxy %q: %s", ErrInvalidConfig, uri, err)
	}
	if strings.ToLower(u.Scheme) != "socks5" {
		return proxyAddr{}, fmt.Errorf("%w: proxy %q: only socks5 is supported", ErrInvalidConfig, uri)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return proxyAddr{}, fmt.Errorf("%w: proxy %q: %s", ErrInvalidConfig, uri, err)
	}
	p := proxyAddr{address: u.Host, username: u.User.Username()}
	p.password, _ = u.User.Password()
	return p, nil
}

// parseRestAPI returns the listen address and the token of a REST API
// address such as "token@127.0.0.1:9090".
func parseRestAPI(s string) (host, token string, err error) {
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "http" {
		return "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u.Host, u.User.String(), nil
}
