package federation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NormalizeDomain sanitizes a host[:port] value received from an untrusted
// peer. It lowercases the host, strips trailing dots, and rejects anything
// containing whitespace, path separators, or a scheme. Bracketed IPv6
// literals are accepted.
func NormalizeDomain(raw string) (string, error) {
	d := strings.TrimSpace(raw)
	if d == "" {
		return "", fmt.Errorf("%w: empty", ErrBadDomain)
	}
	if strings.ContainsAny(d, " \t\r\n") {
		return "", fmt.Errorf("%w: contains whitespace: %q", ErrBadDomain, raw)
	}
	if strings.ContainsAny(d, "/\\?#@") || strings.Contains(d, "://") {
		return "", fmt.Errorf("%w: contains path or scheme: %q", ErrBadDomain, raw)
	}

	host, port, err := splitHostPort(d)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadDomain, raw)
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return "", fmt.Errorf("%w: empty host: %q", ErrBadDomain, raw)
	}

	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	if port == "" {
		return host, nil
	}
	return host + ":" + port, nil
}

// splitHostPort separates an optional port, tolerating bare hostnames and
// bracketed IPv6 literals with or without a port.
func splitHostPort(d string) (string, string, error) {
	if strings.HasPrefix(d, "[") {
		host, port, err := net.SplitHostPort(d)
		if err != nil {
			// Bracketed literal without a port.
			if !strings.HasSuffix(d, "]") {
				return "", "", fmt.Errorf("invalid ipv6 literal: %q", d)
			}
			trimmed := strings.TrimSuffix(strings.TrimPrefix(d, "["), "]")
			if net.ParseIP(trimmed) == nil {
				return "", "", fmt.Errorf("invalid ipv6 literal: %q", d)
			}
			return trimmed, "", nil
		}
		return host, port, validatePort(port)
	}

	idx := strings.LastIndex(d, ":")
	if idx == -1 {
		return d, "", nil
	}
	if strings.Count(d, ":") > 1 {
		// Unbracketed IPv6 literal.
		if net.ParseIP(d) == nil {
			return "", "", fmt.Errorf("invalid host: %q", d)
		}
		return d, "", nil
	}
	host, port := d[:idx], d[idx+1:]
	return host, port, validatePort(port)
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port: %q", port)
	}
	return nil
}
