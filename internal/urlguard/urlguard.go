// Package urlguard validates outbound URLs before the service fetches
// them, rejecting targets that could reach internal infrastructure.
package urlguard

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Validation errors.
var (
	ErrInvalidURL         = errors.New("URL is not a valid absolute URL")
	ErrProtocolNotAllowed = errors.New("only https URLs are allowed")
	ErrMetadataBlocked    = errors.New("cloud metadata endpoints are blocked")
	ErrPrivateAddress     = errors.New("private or reserved address is blocked")
)

// blockedV4 are the IPv4 ranges that must never be fetched.
var blockedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// blockedV6 are the IPv6 ranges that must never be fetched.
var blockedV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// metadataHost is the instance metadata hostname used by GCP.
const metadataHost = "metadata.google.internal"

// metadataAddr is the link-local metadata address used by every major cloud.
const metadataAddr = "169.254.169.254"

// Validate checks that rawURL is a safe https URL for an outbound fetch.
// It rejects non-https schemes, cloud metadata endpoints, and IP literals
// in private, loopback, link-local, multicast, or reserved ranges.
func Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrProtocolNotAllowed, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())

	if host == metadataHost || strings.HasSuffix(host, "."+metadataHost) {
		return fmt.Errorf("%w: host %q", ErrMetadataBlocked, host)
	}

	if host == metadataAddr {
		return fmt.Errorf("%w: host %q", ErrMetadataBlocked, host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// Not an IP literal; hostname rules already applied.
		return nil
	}

	return validateAddr(addr)
}

// validateAddr checks a parsed IP literal against the blocked ranges.
// IPv4-mapped IPv6 addresses are unwrapped and checked as IPv4.
func validateAddr(addr netip.Addr) error {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}

	if addr.Is4() {
		if addr.String() == metadataAddr {
			return fmt.Errorf("%w: %s", ErrMetadataBlocked, addr)
		}
		for _, p := range blockedV4 {
			if p.Contains(addr) {
				return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
			}
		}
		return nil
	}

	for _, p := range blockedV6 {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
		}
	}

	return nil
}
