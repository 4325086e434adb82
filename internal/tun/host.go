package tun

import (
	"net"
	"net/url"
	"strings"
)

// hostOf extracts the host from a URL, a host:port pair or a bare host.
func hostOf(entry string) string {
	if strings.Contains(entry, "://") {
		u, err := url.Parse(entry)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(entry); err == nil {
		return host
	}
	return strings.Trim(entry, "[]")
}
