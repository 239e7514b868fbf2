package source

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Validator reports whether a trimmed, non-empty line is a well formed target.
type Validator func(target string) bool

func ValidateNone(string) bool {
	return true
}

// ValidateIP accepts a bare IPv4 or IPv6 address.
func ValidateIP(target string) bool {
	_, err := netip.ParseAddr(target)
	return err == nil
}

// ValidateAddr accepts an IP address with or without a port.
func ValidateAddr(target string) bool {
	if ValidateIP(target) {
		return true
	}
	_, err := netip.ParseAddrPort(target)
	return err == nil
}

// ValidateHostPort accepts host:port where host is a name or an address.
func ValidateHostPort(target string) bool {
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" || strings.ContainsAny(host, " \t/") {
		return false
	}
	p, err := strconv.ParseUint(port, 10, 16)
	return err == nil && p > 0
}

func ValidatorByName(name string) (Validator, error) {
	switch name {
	case "", "none":
		return ValidateNone, nil
	case "ip":
		return ValidateIP, nil
	case "addr":
		return ValidateAddr, nil
	case "hostport":
		return ValidateHostPort, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}
