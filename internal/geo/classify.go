package geo

import (
	"net/netip"
	"strings"
)

// Ranges that are never worth a lookup beyond what the netip predicates cover.
var excludedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"), // includes 255.255.255.255
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// IsLookupCandidate reports whether address is a public, routable IP that a
// geo provider can say something about. Anything unparsable is rejected.
func IsLookupCandidate(address string) bool {
	_, ok := Canonical(address)
	return ok
}

// Canonical returns the one text form under which a lookup candidate is keyed:
// IPv4-mapped IPv6 becomes plain IPv4 and IPv6 is compressed and lowercased.
// ok is false when address is not a lookup candidate.
func Canonical(address string) (string, bool) {
	ip, err := netip.ParseAddr(address)
	if err != nil || ip.Zone() != "" {
		return "", false
	}
	ip = ip.Unmap()
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return "", false
	}
	for _, p := range excludedPrefixes {
		if p.Contains(ip) {
			return "", false
		}
	}
	if !ip.IsGlobalUnicast() {
		return "", false
	}
	return ip.String(), true
}

// NormalizeAddr trims address and rewrites it in canonical IP form when it
// parses as one. Anything else is returned trimmed.
func NormalizeAddr(address string) string {
	address = strings.TrimSpace(address)
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return address
	}
	return ip.Unmap().String()
}
