package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// osFile adapts *os.File to the fileRef interface frame.go and message.go
// use, so the codec layer never depends on package os directly.
type osFile struct{ *os.File }

func (f osFile) Fd() uintptr { return f.File.Fd() }

// unixTransport is a transport over an abstract or pathname Unix domain
// socket. Connecting it implicitly authenticates the peer's UID via
// SCM_CREDENTIALS/SO_PEERCRED, which is what makes the EXTERNAL SASL
// mechanism viable.
type unixTransport struct {
	conn *net.UnixConn
	oob  [512]byte
	fds  *queue.Queue[fileRef]
}

func dialUnixTransport(ctx context.Context, a address) (transport, error) {
	path, ok := a.Params["path"]
	if !ok {
		if abstract, ok2 := a.Params["abstract"]; ok2 {
			path = "@" + abstract
		} else {
			return nil, fmt.Errorf("dbus: unix address missing path or abstract param")
		}
	}

	addr := &net.UnixAddr{Net: "unix", Name: path}
	var d net.Dialer
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, "unix", addr.String())
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dbus: internal error: unix dial did not return *net.UnixConn")
	}

	return &unixTransport{conn: uc, fds: queue.New[fileRef]()}, nil
}

func (u *unixTransport) Read(b []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(b, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		return n, &ProtocolError{Reason: "unix control message truncated"}
	}
	if oobn > 0 {
		if perr := u.parseFDs(u.oob[:oobn]); perr != nil {
			return n, perr
		}
	}
	if err != nil {
		return n, &TransportError{Err: err}
	}
	return n, nil
}

func (u *unixTransport) Write(b []byte) (int, error) {
	n, err := u.conn.Write(b)
	if err != nil {
		return n, &TransportError{Err: err}
	}
	return n, nil
}

func (u *unixTransport) Close() error {
	u.fds.Each(func(f fileRef) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	return u.conn.Close()
}

func (u *unixTransport) supportsFDPassing() bool        { return true }
func (u *unixTransport) supportsCredentialPassing() bool { return true }

// WriteWithFiles writes b along with fds as SCM_RIGHTS ancillary data.
func (u *unixTransport) WriteWithFiles(b []byte, files []fileRef) (int, error) {
	if len(files) == 0 {
		return u.Write(b)
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(b, scm, nil)
	if err != nil {
		return n, &TransportError{Err: err}
	}
	if oobn != len(scm) {
		return n, &TransportError{Err: io.ErrShortWrite}
	}
	return n, nil
}

// DequeueFiles pops n previously received file descriptors off the queue
// filled by Read's ancillary-data parsing.
func (u *unixTransport) DequeueFiles(n int) ([]fileRef, error) {
	out := make([]fileRef, 0, n)
	for i := 0; i < n; i++ {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range out {
				f.Close()
			}
			return nil, fmt.Errorf("dbus: expected %d received unix fds but only %d available", n, i)
		}
		out = append(out, f)
	}
	return out, nil
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return &TransportError{Err: err}
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("dbus: invalid unix fd %d received", fd))
				continue
			}
			u.fds.Add(osFile{f})
		}
	}
	if len(errs) != 0 {
		return &ProtocolError{Reason: "parsing received unix fds", Err: errors.Join(errs...)}
	}
	return nil
}
