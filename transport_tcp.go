package dbus

import (
	"context"
	"fmt"
	"net"
)

// tcpTransport is a transport over a plain TCP connection. The D-Bus
// specification has no Unix-FD-passing analog for TCP, so EXTERNAL and
// DBUS_COOKIE_SHA1's peer-credential shortcuts are unavailable; in
// practice only DBUS_COOKIE_SHA1 and ANONYMOUS make sense over tcp:.
type tcpTransport struct {
	conn net.Conn
}

func dialTCPTransport(ctx context.Context, a address) (transport, error) {
	host, ok := a.Params["host"]
	if !ok {
		return nil, fmt.Errorf("dbus: tcp address missing host param")
	}
	port, ok := a.Params["port"]
	if !ok {
		return nil, fmt.Errorf("dbus: tcp address missing port param")
	}

	var d net.Dialer
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return &tcpTransport{conn: conn}, nil
}

func (t *tcpTransport) Read(b []byte) (int, error) {
	n, err := t.conn.Read(b)
	if err != nil {
		return n, &TransportError{Err: err}
	}
	return n, nil
}

func (t *tcpTransport) Write(b []byte) (int, error) {
	n, err := t.conn.Write(b)
	if err != nil {
		return n, &TransportError{Err: err}
	}
	return n, nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) supportsFDPassing() bool        { return false }
func (t *tcpTransport) supportsCredentialPassing() bool { return false }

func (t *tcpTransport) DequeueFiles(n int) ([]fileRef, error) {
	return nil, errNoFDSupport
}

func (t *tcpTransport) WriteWithFiles(b []byte, files []fileRef) (int, error) {
	if len(files) == 0 {
		return t.Write(b)
	}
	return 0, errNoFDSupport
}
