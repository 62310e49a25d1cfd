// Package address provides the socket endpoint value type used throughout
// swiftlet to name peers.
//
// # Address
//
// An Address is a tagged value: either an IPv4 endpoint (4 byte IP and a
// port) or an IPv6 endpoint (16 byte IP and a port). Addresses are
// comparable with ==, usable as map keys, and ordered by Compare (family,
// then IP bytes, then port). The zero Address is invalid.
//
// The family tag is never coerced. Parsing "[::ffff:10.0.0.1]:9000" yields
// an IPv6 Address that is not equal to the IPv4 Address parsed from
// "10.0.0.1:9000". The only place a conversion happens is FromUDPAddr,
// because net.IP stores IPv4 addresses in 16 byte form and carries no tag
// to preserve.
//
// # Text Format
//
// Parse accepts "host:port" where host is a dotted IPv4 literal or a
// bracketed IPv6 literal:
//
//	a, err := address.Parse("192.0.2.10:4433")
//	b, err := address.Parse("[2001:db8::1]:4433")
//
// Host names and IPv6 zones are rejected with a *ParseError.
package address
