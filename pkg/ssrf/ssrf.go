// Package ssrf validates outbound webhook URLs so the dispatcher can never be
// coaxed into calling internal infrastructure. Only http/https URLs whose
// hostname resolves exclusively to public addresses pass.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// blockedHostnames are rejected before any DNS lookup.
var blockedHostnames = []string{
	"localhost",
	"metadata.",
	"kubernetes.",
}

var blockedV4Ranges = mustParsePrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
)

var blockedV6Ranges = mustParsePrefixes(
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

// Resolver resolves hostnames to IP addresses. *net.Resolver satisfies it;
// tests substitute a fixture.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator checks webhook destination URLs.
type Validator struct {
	resolver Resolver
}

// NewValidator returns a validator backed by the system resolver.
func NewValidator() *Validator {
	return &Validator{resolver: net.DefaultResolver}
}

// NewValidatorWithResolver returns a validator with a custom resolver.
func NewValidatorWithResolver(r Resolver) *Validator {
	return &Validator{resolver: r}
}

// Validate returns nil only when rawURL is an http/https URL whose host
// resolves exclusively to public addresses. Both A and AAAA records are
// checked; one blocked address fails the whole URL.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme %q is not allowed, only http and https", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no hostname")
	}

	for _, blocked := range blockedHostnames {
		if host == strings.TrimSuffix(blocked, ".") || strings.HasPrefix(host, blocked) {
			return fmt.Errorf("hostname %q is blocked", host)
		}
	}

	// Literal IP: check directly without DNS.
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("hostname %q resolved to no addresses", host)
	}

	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

// checkAddr rejects addresses in any blocked range. IPv4-mapped IPv6
// addresses are unwrapped and checked against the IPv4 table. Anything that
// is neither IPv4 nor IPv6 is rejected.
func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()

	switch {
	case addr.Is4():
		for _, prefix := range blockedV4Ranges {
			if prefix.Contains(addr) {
				return fmt.Errorf("address %s is in blocked range %s", addr, prefix)
			}
		}
	case addr.Is6():
		for _, prefix := range blockedV6Ranges {
			if prefix.Contains(addr) {
				return fmt.Errorf("address %s is in blocked range %s", addr, prefix)
			}
		}
	default:
		return fmt.Errorf("address %s has unknown family", addr)
	}
	return nil
}

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(cidr))
	}
	return prefixes
}
