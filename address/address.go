package address

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Family identifies which variant an Address holds.
type Family uint8

const (
	// FamilyInvalid is the family of the zero Address.
	FamilyInvalid Family = iota
	// FamilyIPv4 marks a 4 byte IP endpoint.
	FamilyIPv4
	// FamilyIPv6 marks a 16 byte IP endpoint.
	FamilyIPv6
)

// String returns a human-readable representation of the Family.
func (f Family) String() string {
	switch f {
	case FamilyInvalid:
		return "invalid"
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// Address is an immutable IPv4 or IPv6 socket endpoint.
type Address struct {
	family Family
	// IPv4 addresses occupy ip[:4]; the remaining bytes stay zero so that
	// == compares structurally.
	ip   [16]byte
	port uint16
}

var (
	// ErrMissingPort indicates the text had no ":port" suffix.
	ErrMissingPort = errors.New("missing port")
	// ErrInvalidHost indicates the host part is not an IP literal.
	ErrInvalidHost = errors.New("host is not an IP literal")
	// ErrInvalidPort indicates the port is not a number in [0, 65535].
	ErrInvalidPort = errors.New("invalid port")
	// ErrZoneNotSupported indicates an IPv6 literal carried a %zone.
	ErrZoneNotSupported = errors.New("IPv6 zones are not supported")
)

// ParseError describes malformed address text.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("address: parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IPv4 builds an IPv4 Address.
func IPv4(ip [4]byte, port uint16) Address {
	a := Address{family: FamilyIPv4, port: port}
	copy(a.ip[:4], ip[:])
	return a
}

// IPv6 builds an IPv6 Address.
func IPv6(ip [16]byte, port uint16) Address {
	return Address{family: FamilyIPv6, ip: ip, port: port}
}

// Parse parses "a.b.c.d:port" or "[v6]:port".
func Parse(s string) (Address, error) {
	host, portText, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, &ParseError{Input: s, Err: ErrMissingPort}
	}

	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return Address{}, &ParseError{Input: s, Err: ErrInvalidPort}
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Address{}, &ParseError{Input: s, Err: ErrInvalidHost}
	}
	if ip.Zone() != "" {
		return Address{}, &ParseError{Input: s, Err: ErrZoneNotSupported}
	}

	return FromAddrPort(netip.AddrPortFrom(ip, uint16(port))), nil
}

// MustParse is like Parse but panics on malformed input. It is meant for
// constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromAddrPort converts a netip.AddrPort, keeping its family: an
// IPv4-mapped IPv6 address stays IPv6.
func FromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr()
	switch {
	case ip.Is4():
		return IPv4(ip.As4(), ap.Port())
	case ip.Is6():
		return IPv6(ip.As16(), ap.Port())
	default:
		return Address{}
	}
}

// FromUDPAddr converts a *net.UDPAddr. Because net.IP stores IPv4 in 16
// byte form, any address with a valid 4 byte form becomes IPv4.
func FromUDPAddr(u *net.UDPAddr) (Address, error) {
	if u == nil {
		return Address{}, errors.New("address: nil UDP address")
	}
	if u.Port < 0 || u.Port > 0xffff {
		return Address{}, ErrInvalidPort
	}
	if v4 := u.IP.To4(); v4 != nil {
		return IPv4([4]byte(v4), uint16(u.Port)), nil
	}
	if v6 := u.IP.To16(); v6 != nil {
		if u.Zone != "" {
			return Address{}, ErrZoneNotSupported
		}
		return IPv6([16]byte(v6), uint16(u.Port)), nil
	}
	return Address{}, ErrInvalidHost
}

// FromNetAddr converts a net.Addr that is a *net.UDPAddr or whose String
// form parses.
func FromNetAddr(na net.Addr) (Address, error) {
	if u, ok := na.(*net.UDPAddr); ok {
		return FromUDPAddr(u)
	}
	if na == nil {
		return Address{}, errors.New("address: nil net.Addr")
	}
	return Parse(na.String())
}

// Unspecified returns the wildcard address of the family with port 0.
func Unspecified(f Family) Address {
	switch f {
	case FamilyIPv4:
		return IPv4([4]byte{}, 0)
	case FamilyIPv6:
		return IPv6([16]byte{}, 0)
	default:
		return Address{}
	}
}

// Family returns the variant tag.
func (a Address) Family() Family {
	return a.family
}

// IsValid reports whether a holds an IPv4 or IPv6 endpoint.
func (a Address) IsValid() bool {
	return a.family == FamilyIPv4 || a.family == FamilyIPv6
}

// Is4 reports whether a is an IPv4 endpoint.
func (a Address) Is4() bool {
	return a.family == FamilyIPv4
}

// Is6 reports whether a is an IPv6 endpoint.
func (a Address) Is6() bool {
	return a.family == FamilyIPv6
}

// Port returns the port.
func (a Address) Port() uint16 {
	return a.port
}

// WithPort returns a copy of a with the port replaced.
func (a Address) WithPort(port uint16) Address {
	a.port = port
	return a
}

// IPBytes returns the 4 or 16 significant IP bytes.
func (a Address) IPBytes() []byte {
	switch a.family {
	case FamilyIPv4:
		return bytes.Clone(a.ip[:4])
	case FamilyIPv6:
		return bytes.Clone(a.ip[:])
	default:
		return nil
	}
}

// AddrPort converts a to a netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	switch a.family {
	case FamilyIPv4:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(a.ip[:4])), a.port)
	case FamilyIPv6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.ip), a.port)
	default:
		return netip.AddrPort{}
	}
}

// UDPAddr converts a to a freshly allocated *net.UDPAddr, or nil when a is
// invalid.
func (a Address) UDPAddr() *net.UDPAddr {
	if !a.IsValid() {
		return nil
	}
	return &net.UDPAddr{IP: net.IP(a.IPBytes()), Port: int(a.port)}
}

// Network returns "udp4" or "udp6", the network name used to bind a
// socket of this family.
func (a Address) Network() string {
	if a.family == FamilyIPv6 {
		return "udp6"
	}
	return "udp4"
}

// IsUnspecified reports whether the IP is the family's wildcard address.
func (a Address) IsUnspecified() bool {
	return a.IsValid() && a.AddrPort().Addr().IsUnspecified()
}

// IsLoopback reports whether the IP is a loopback address.
func (a Address) IsLoopback() bool {
	return a.IsValid() && a.AddrPort().Addr().IsLoopback()
}

// String formats a as "a.b.c.d:port" or "[v6]:port".
func (a Address) String() string {
	if !a.IsValid() {
		return "invalid"
	}
	return a.AddrPort().String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	if !a.IsValid() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the
// zero Address.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Compare orders by family, then IP bytes, then port. It returns -1, 0 or 1.
func Compare(a, b Address) int {
	if c := cmp.Compare(a.family, b.family); c != 0 {
		return c
	}
	if c := bytes.Compare(a.ip[:], b.ip[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.port, b.port)
}

// Less reports whether a sorts before b.
func (a Address) Less(b Address) bool {
	return Compare(a, b) < 0
}
