package dbus

import (
	"os"
	"testing"
)

func TestParseAddressesSingle(t *testing.T) {
	addrs, err := parseAddresses("unix:path=/run/dbus/system_bus_socket")
	if err != nil {
		t.Fatalf("parseAddresses: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("got %d addresses, want 1", len(addrs))
	}
	a := addrs[0]
	if a.Transport != "unix" {
		t.Errorf("Transport = %q, want %q", a.Transport, "unix")
	}
	if a.Params["path"] != "/run/dbus/system_bus_socket" {
		t.Errorf("path param = %q", a.Params["path"])
	}
}

func TestParseAddressesMultipleAlternatives(t *testing.T) {
	addrs, err := parseAddresses("unix:path=/a/b;tcp:host=localhost,port=1234")
	if err != nil {
		t.Fatalf("parseAddresses: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if addrs[0].Transport != "unix" || addrs[1].Transport != "tcp" {
		t.Errorf("unexpected transports: %+v", addrs)
	}
	if addrs[1].Params["host"] != "localhost" || addrs[1].Params["port"] != "1234" {
		t.Errorf("unexpected tcp params: %+v", addrs[1].Params)
	}
}

func TestParseAddressesRejectsEmpty(t *testing.T) {
	if _, err := parseAddresses(""); err == nil {
		t.Error("expected error for an empty address string")
	}
}

func TestParseAddressRejectsMissingTransport(t *testing.T) {
	if _, err := parseAddress("path=/a/b"); err == nil {
		t.Error("expected error for an address missing a transport prefix")
	}
}

func TestParseAddressRejectsMalformedPair(t *testing.T) {
	if _, err := parseAddress("unix:path"); err == nil {
		t.Error("expected error for a key without '='")
	}
}

func TestUnescapeAddressValue(t *testing.T) {
	got, err := unescapeAddressValue("abstract%3dsomething")
	if err != nil {
		t.Fatalf("unescapeAddressValue: %v", err)
	}
	if got != "abstract=something" {
		t.Errorf("got %q, want %q", got, "abstract=something")
	}
}

func TestUnescapeAddressValueRejectsTruncated(t *testing.T) {
	if _, err := unescapeAddressValue("bad%3"); err == nil {
		t.Error("expected error for a truncated percent-escape")
	}
}

func TestUnescapeAddressValueRejectsBadHex(t *testing.T) {
	if _, err := unescapeAddressValue("bad%zz"); err == nil {
		t.Error("expected error for a non-hex percent-escape")
	}
}

func TestSessionBusAddressRequiresEnv(t *testing.T) {
	old, had := os.LookupEnv("DBUS_SESSION_BUS_ADDRESS")
	os.Unsetenv("DBUS_SESSION_BUS_ADDRESS")
	defer func() {
		if had {
			os.Setenv("DBUS_SESSION_BUS_ADDRESS", old)
		}
	}()

	if _, err := sessionBusAddress(); err == nil {
		t.Error("expected error when DBUS_SESSION_BUS_ADDRESS is unset")
	}

	os.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/run/user/1000/bus")
	got, err := sessionBusAddress()
	if err != nil {
		t.Fatalf("sessionBusAddress: %v", err)
	}
	if got != "unix:path=/run/user/1000/bus" {
		t.Errorf("got %q", got)
	}
}

func TestSystemBusAddressFallsBackToDefault(t *testing.T) {
	old, had := os.LookupEnv("DBUS_SYSTEM_BUS_ADDRESS")
	os.Unsetenv("DBUS_SYSTEM_BUS_ADDRESS")
	defer func() {
		if had {
			os.Setenv("DBUS_SYSTEM_BUS_ADDRESS", old)
		}
	}()

	if got := systemBusAddress(); got != defaultSystemBusAddress {
		t.Errorf("systemBusAddress() = %q, want default %q", got, defaultSystemBusAddress)
	}
}
