// Package tor embeds an overlay-network client and exposes it to local
// applications through a minimal SOCKS5 proxy.
package tor

import "strings"

// IsOnionURL reports whether the URL addresses an overlay hidden service:
// the host ends in the overlay TLD with no sub-TLD suffix (".onion"
// appears, ".onion." does not).
func IsOnionURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, ".onion") && !strings.Contains(lower, ".onion.")
}

// NormalizeOnionURL trims the URL, defaults a missing scheme to http:// and
// downgrades https:// to http:// for onion hosts. The overlay circuit
// already provides transport encryption.
func NormalizeOnionURL(url string) string {
	trimmed := strings.TrimSpace(url)
	switch {
	case strings.HasPrefix(trimmed, "http://"):
		return trimmed
	case strings.HasPrefix(trimmed, "https://"):
		if IsOnionURL(trimmed) {
			return "http://" + trimmed[len("https://"):]
		}
		return trimmed
	default:
		return "http://" + trimmed
	}
}
