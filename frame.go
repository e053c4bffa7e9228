package dbus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// frameReader reads complete D-Bus messages from an authenticated byte
// stream, reusing its internal header and decoder across calls to avoid
// reallocating them per message.
type frameReader struct {
	src     *bufio.Reader
	dec     *decoder
	hdr     header
	fdQueue fdSource
}

// fdSource abstracts pulling received Unix file descriptors off a
// transport's ancillary-data queue; transport_unix.go implements it, and
// transport_tcp.go's transport returns errNoFDSupport for any call.
type fdSource interface {
	DequeueFiles(n int) ([]fileRef, error)
}

func newFrameReader(src io.Reader, bufSize int, fds fdSource) *frameReader {
	br := bufio.NewReaderSize(src, bufSize)
	return &frameReader{
		src:     br,
		dec:     newDecoder(br, binary.LittleEndian, 0),
		fdQueue: fds,
	}
}

// ReadMessage reads and decodes one complete message, enforcing the frame
// invariants from the D-Bus specification: total size cap, nonzero serial,
// protocol version 1, required header fields for the message type, and a
// body length matching the decoded SIGNATURE's byte width (checked
// implicitly by requiring the body decoder to consume exactly BodyLen
// bytes). Any failure here is fatal to the connection: protocol desync
// cannot be recovered from.
func (r *frameReader) ReadMessage() (*Message, error) {
	r.dec.Reset(r.src, 0)
	if err := decodeHeader(r.dec, &r.hdr); err != nil {
		return nil, err
	}

	body := io.LimitReader(r.src, int64(r.hdr.BodyLen))
	bodyDec := newDecoder(body, r.dec.order, 0)
	values, err := decodeBody(bodyDec, r.hdr.signature())
	if err != nil {
		return nil, err
	}
	if bodyDec.Offset() != r.hdr.BodyLen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("body length %d did not match signature byte width %d", r.hdr.BodyLen, bodyDec.Offset())}
	}

	m := messageFromHeader(&r.hdr, values)

	if n := r.hdr.unixFDs(); n > 0 {
		if r.fdQueue == nil {
			return nil, &ProtocolError{Reason: "message carries UNIX_FDS but transport does not support FD passing"}
		}
		files, err := r.fdQueue.DequeueFiles(int(n))
		if err != nil {
			return nil, fmt.Errorf("dbus: dequeue unix fds: %w", err)
		}
		m.Files = files
	}

	return m, nil
}

// frameWriter serializes and writes complete D-Bus messages to an
// authenticated byte stream.
type frameWriter struct {
	dst   io.Writer
	order binary.ByteOrder
	fdOut fdSink
}

// fdSink abstracts attaching Unix file descriptors as ancillary data when
// writing a frame; transport_unix.go implements it.
type fdSink interface {
	WriteWithFiles(b []byte, files []fileRef) (int, error)
}

func newFrameWriter(dst io.Writer, order binary.ByteOrder, fds fdSink) *frameWriter {
	return &frameWriter{dst: dst, order: order, fdOut: fds}
}

// WriteMessage encodes m and writes it to the underlying stream, along with
// any attached Unix file descriptors.
func (w *frameWriter) WriteMessage(m *Message) error {
	b, err := encodeMessage(m, w.order, m.Serial)
	if err != nil {
		return err
	}

	if len(m.Files) > 0 {
		if w.fdOut == nil {
			return &ProtocolError{Reason: "message carries unix FDs but transport does not support FD passing"}
		}
		_, err := w.fdOut.WriteWithFiles(b, m.Files)
		return err
	}

	_, err = w.dst.Write(b)
	return err
}
