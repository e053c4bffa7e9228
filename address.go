package dbus

import (
	"fmt"
	"os"
	"strings"
)

// address is one parsed element of a D-Bus server address, e.g.
// "unix:path=/run/dbus/system_bus_socket" or "tcp:host=localhost,port=1234".
type address struct {
	Transport string
	Params    map[string]string
}

// parseAddresses splits a D-Bus address string on ';' and parses each
// "transport:key=value,key=value" element, per the Server Addresses
// grammar in the D-Bus specification.
func parseAddresses(s string) ([]address, error) {
	var addrs []address
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		a, err := parseAddress(part)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dbus: empty address")
	}
	return addrs, nil
}

func parseAddress(s string) (address, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return address{}, fmt.Errorf("dbus: malformed address %q: missing transport", s)
	}
	a := address{Transport: s[:colon], Params: map[string]string{}}
	rest := s[colon+1:]
	if rest == "" {
		return a, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return address{}, fmt.Errorf("dbus: malformed address %q: bad key=value pair %q", s, kv)
		}
		key := kv[:eq]
		val, err := unescapeAddressValue(kv[eq+1:])
		if err != nil {
			return address{}, fmt.Errorf("dbus: malformed address %q: %w", s, err)
		}
		a.Params[key] = val
	}
	return a, nil
}

// unescapeAddressValue decodes the "%XX" percent-escaping the D-Bus address
// grammar uses for bytes outside its unescaped-character set.
func unescapeAddressValue(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent-escape")
		}
		hi, lo := s[i+1], s[i+2]
		v, err := hexNibble(hi)
		if err != nil {
			return "", err
		}
		v2, err := hexNibble(lo)
		if err != nil {
			return "", err
		}
		b.WriteByte(v<<4 | v2)
		i += 2
	}
	return b.String(), nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

const defaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

// sessionBusAddress resolves the session bus address per the D-Bus
// specification: DBUS_SESSION_BUS_ADDRESS must be set, there is no
// platform-independent default.
func sessionBusAddress() (string, error) {
	if s := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("dbus: DBUS_SESSION_BUS_ADDRESS is not set")
}

// systemBusAddress resolves the system bus address, falling back to the
// well-known Unix socket path when the environment variable is unset.
func systemBusAddress() string {
	if s := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); s != "" {
		return s
	}
	return defaultSystemBusAddress
}
