package service

import (
	"fmt"
	"net/netip"
	"strings"
)

// ValidateAddress accepts an IPv4 dotted quad or an IPv6 literal in full or
// compressed form and returns its canonical text. IPv4-mapped IPv6 addresses
// canonicalize to their IPv4 form. Zoned addresses and anything else are
// rejected.
func ValidateAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: address is required", ErrValidation)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed address %q", ErrValidation, raw)
	}
	if addr.Zone() != "" {
		return "", fmt.Errorf("%w: zoned address %q", ErrValidation, raw)
	}
	if addr.Is4() && strings.Count(s, ".") != 3 {
		return "", fmt.Errorf("%w: malformed address %q", ErrValidation, raw)
	}
	// ::ffff:a.b.c.d shares the IPv4 key.
	return addr.Unmap().String(), nil
}

// normalizeAddress canonicalizes valid addresses and leaves anything else
// trimmed, so lookups of odd input simply miss.
func normalizeAddress(raw string) string {
	if canonical, err := ValidateAddress(raw); err == nil {
		return canonical
	}
	return strings.TrimSpace(raw)
}
