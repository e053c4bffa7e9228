package dbus

import (
	"context"
	"fmt"
	"io"
)

// transport is the raw byte-stream abstraction a Connection authenticates
// and frames messages over. Implementations additionally satisfy fdSource
// and fdSink when they support Unix file descriptor passing; transports
// that don't return errNoFDSupport from those methods.
type transport interface {
	io.ReadWriteCloser
	fdSource
	fdSink

	// supportsFDPassing reports whether this transport can carry Unix file
	// descriptors as ancillary data, gating whether NEGOTIATE_UNIX_FD is
	// offered during authentication.
	supportsFDPassing() bool

	// supportsCredentialPassing reports whether connecting this transport
	// implicitly authenticates the peer's UID (true for Unix domain
	// sockets), which the EXTERNAL mechanism relies on.
	supportsCredentialPassing() bool
}

// errNoFDSupport is returned by fdSource/fdSink methods on transports that
// cannot carry ancillary Unix file descriptors.
var errNoFDSupport = fmt.Errorf("dbus: transport does not support unix fd passing")

// dialTransport opens a transport for the given parsed address.
func dialTransport(ctx context.Context, a address) (transport, error) {
	switch a.Transport {
	case "unix":
		return dialUnixTransport(ctx, a)
	case "tcp":
		return dialTCPTransport(ctx, a)
	default:
		return nil, fmt.Errorf("dbus: unsupported transport %q", a.Transport)
	}
}

// dialFirst tries each address in order, returning the first transport that
// connects successfully.
func dialFirst(ctx context.Context, addrs []address) (transport, error) {
	var lastErr error
	for _, a := range addrs {
		t, err := dialTransport(ctx, a)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dbus: no addresses to dial")
	}
	return nil, lastErr
}
