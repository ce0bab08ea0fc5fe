package addrutil

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Class is the reachability class of a candidate address.
type Class int

const (
	ClassInvalid Class = iota
	ClassPrivate
	ClassLoopback
	ClassLinkLocal
	ClassPublic
)

func (c Class) String() string {
	switch c {
	case ClassPrivate:
		return "private"
	case ClassLoopback:
		return "loopback"
	case ClassLinkLocal:
		return "link-local"
	case ClassPublic:
		return "public"
	default:
		return "invalid"
	}
}

var (
	ErrEmptyAddress  = errors.New("addrutil: empty address")
	ErrNotIPv4       = errors.New("addrutil: not an IPv4 dotted quad")
	ErrNotRoutable   = errors.New("addrutil: address is not globally routable")
	ipv4LiteralRegex = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
)

// Classify reports the class of an IPv4 dotted quad. Anything that is not a
// well-formed IPv4 literal (IPv6 included) is ClassInvalid.
func Classify(address string) Class {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil || !addr.Is4() {
		return ClassInvalid
	}
	o := addr.As4()
	switch {
	case o[0] == 10:
		return ClassPrivate
	case o[0] == 172 && o[1] >= 16 && o[1] <= 31:
		return ClassPrivate
	case o[0] == 192 && o[1] == 168:
		return ClassPrivate
	case o[0] == 127:
		return ClassLoopback
	case o[0] == 169 && o[1] == 254:
		return ClassLinkLocal
	default:
		return ClassPublic
	}
}

// IsGloballyRoutable reports whether address is an IPv4 literal outside the
// private, loopback and link-local bands. Malformed input is never routable.
func IsGloballyRoutable(address string) bool {
	return Classify(address) == ClassPublic
}

// ExtractIPv4 returns the first IPv4 literal embedded in a connectivity
// candidate line such as
// "candidate:1 1 udp 1686052607 203.0.113.7 61000 typ srflx raddr 10.0.0.2 rport 61000".
func ExtractIPv4(candidate string) (string, bool) {
	match := ipv4LiteralRegex.FindString(candidate)
	if match == "" {
		return "", false
	}
	return match, true
}

// ValidateManualAddress checks an address typed in by a user after automatic
// discovery failed.
func ValidateManualAddress(address string) (string, error) {
	a := strings.TrimSpace(address)
	if a == "" {
		return "", ErrEmptyAddress
	}
	switch Classify(a) {
	case ClassInvalid:
		return "", fmt.Errorf("%w: %q", ErrNotIPv4, a)
	case ClassPublic:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotRoutable, a)
	}
}

// HostFromAddr strips the port from "host:port" forms, including bracketed and
// unbracketed IPv6, and returns raw hosts unchanged.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if ap, err := netip.ParseAddrPort(a); err == nil {
		return ap.Addr().Unmap().String()
	}
	if i := strings.LastIndexByte(a, ':'); i > 0 && strings.Count(a, ":") == 1 {
		if _, err := strconv.Atoi(a[i+1:]); err == nil {
			return a[:i]
		}
	}

	// Handle unbracketed IPv6 "host:port" by peeling off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if _, err := netip.ParseAddr(a); err == nil {
			return a
		}
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				if _, err := netip.ParseAddr(host); err == nil {
					return host
				}
			}
		}
	}

	return strings.Trim(a, "[]")
}
