package discovery

import "errors"

var (
	// ErrNetworkUnavailable means no broadcast-capable IPv4 interface exists.
	// An attempt made in that state counts as unanswered.
	ErrNetworkUnavailable = errors.New("discovery: no broadcast-capable network interface")

	// ErrSocket wraps failures to open or use the discovery socket.
	ErrSocket = errors.New("discovery: socket error")

	// ErrExhausted is reported once every cycle has run without a reply.
	ErrExhausted = errors.New("discovery: no server answered")

	// ErrMalformedReply marks a datagram that carries the reply marker but no
	// usable server address.
	ErrMalformedReply = errors.New("discovery: malformed reply")
)
