package ward

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// maxDomainLength is the RFC 1035 limit on a full domain name.
const maxDomainLength = 253

// maxLabelLength is the RFC 1035 limit on a single domain label.
const maxLabelLength = 63

// NormalizeHost canonicalizes a raw host string for rule matching and
// storage: userinfo and port stripped, trailing dot removed, IPv6
// brackets removed, IDN converted to ASCII, lowercased.
func NormalizeHost(raw string) (string, error) {
	hostport := strings.TrimSpace(raw)
	if hostport == "" {
		return "", fmt.Errorf("empty host")
	}

	// Strip a scheme if the caller passed a URL-ish string.
	if i := strings.Index(hostport, "://"); i != -1 {
		hostport = hostport[i+3:]
	}
	if slash := strings.IndexByte(hostport, '/'); slash != -1 {
		hostport = hostport[:slash]
	}

	// Strip userinfo: user:pass@host
	if at := strings.LastIndexByte(hostport, '@'); at != -1 {
		hostport = hostport[at+1:]
	}

	host := hostport
	if strings.Contains(hostport, ":") {
		if h, _, err := net.SplitHostPort(hostport); err == nil {
			host = h
		}
	}

	host = strings.TrimSuffix(strings.TrimSpace(host), ".")

	// IPv6 literals arrive bracketed: "[2001:db8::1]".
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	if host == "" {
		return "", fmt.Errorf("empty host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	if isASCII(host) {
		return strings.ToLower(host), nil
	}

	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("idna: %w", err)
	}
	return strings.ToLower(asciiHost), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// ValidateDomain reports whether a normalized hostname is a well-formed
// domain name. IP literals are not valid domains here; callers that
// accept IPs must check IsIPLiteral first.
func ValidateDomain(host string) error {
	if host == "" {
		return fmt.Errorf("empty domain")
	}
	if len(host) > maxDomainLength {
		return fmt.Errorf("domain exceeds %d characters", maxDomainLength)
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain %q has no dot", host)
	}

	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("domain %q has an empty label", host)
		}
		if len(label) > maxLabelLength {
			return fmt.Errorf("label %q exceeds %d characters", label, maxLabelLength)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
				continue
			}
			return fmt.Errorf("domain %q contains invalid character %q", host, c)
		}
	}

	return nil
}

// IsIPLiteral reports whether host parses as an IPv4 or IPv6 address.
func IsIPLiteral(host string) bool {
	return net.ParseIP(host) != nil
}

// splitHostPort splits host:port with a default port for the scheme.
// Unlike net.SplitHostPort it tolerates a missing port.
func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port := 0
	for i := 0; i < len(portStr); i++ {
		c := portStr[i]
		if c < '0' || c > '9' {
			return host, defaultPort
		}
		port = port*10 + int(c-'0')
	}
	if port == 0 || port > 65535 {
		return host, defaultPort
	}
	return host, port
}
