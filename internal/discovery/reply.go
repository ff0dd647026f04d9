package discovery

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseReply extracts the server address from a reply datagram. The first
// quoted token ("…" or '…') after marker that contains a dot is taken as the
// address; the surrounding envelope is otherwise ignored, so both
//
//	DISCOVER_AKKA_SERVER_REPLY {"ip":"192.168.1.50"}
//	DISCOVER_AKKA_SERVER_REPLY ip='192.168.1.50' version=2
//
// yield 192.168.1.50. A dotted token that is not an IPv4 literal (a version
// string, a host name) makes the reply malformed.
func ParseReply(payload, marker string) (netip.Addr, error) {
	i := strings.Index(payload, marker)
	if i < 0 {
		return netip.Addr{}, fmt.Errorf("%w: marker %q not found", ErrMalformedReply, marker)
	}
	rest := payload[i+len(marker):]

	for {
		open := strings.IndexAny(rest, `"'`)
		if open < 0 {
			return netip.Addr{}, fmt.Errorf("%w: no quoted address", ErrMalformedReply)
		}
		quote := rest[open]
		rest = rest[open+1:]

		end := strings.IndexByte(rest, quote)
		if end < 0 {
			return netip.Addr{}, fmt.Errorf("%w: unterminated quote", ErrMalformedReply)
		}
		token := strings.TrimSpace(rest[:end])
		rest = rest[end+1:]

		if !strings.Contains(token, ".") {
			continue
		}
		addr, err := netip.ParseAddr(token)
		if err != nil || !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrMalformedReply, token)
		}
		return addr, nil
	}
}
