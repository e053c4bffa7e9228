package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Message is a single D-Bus message: a method call, method return, error,
// or signal. Builders (NewMethodCall, NewSignal, ...) construct the common
// shapes; Serial is assigned by the CorrelationCore (or the caller, via
// Connection.NextSerial) before the message is sent.
type Message struct {
	Type  byte
	Flags byte

	Serial      uint32
	ReplySerial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string

	Signature Signature
	Body      []interface{}
	UnixFDs   uint32

	// Files holds the Unix file descriptors accompanying this message. On
	// an inbound message, a handler must either take ownership of these
	// (removing them from Files) or let the pipeline's tail handler close
	// them.
	Files []fileRef
}

// NewMethodCall builds an outbound method call message. Use Message.SetBody
// to attach arguments and compute their signature.
func NewMethodCall(path ObjectPath, iface, member, destination string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
	}
}

// NewSignal builds an outbound signal message.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// NewMethodReturn builds a method return replying to call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReply,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
}

// NewError builds an error reply to call.
func NewError(call *Message, name string, body ...interface{}) *Message {
	return &Message{
		Type:        TypeError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
		Body:        body,
	}
}

// SetBody sets the message body and computes its signature from the
// concrete Go types of the values, in the style of godbus's GetSignature
// helper. Callers whose body contains container types (Struct, Dict,
// Variant, non-string arrays) must set Message.Signature explicitly instead,
// since signatureOf cannot infer nested signatures from bare interface{}.
func (m *Message) SetBody(values ...interface{}) error {
	sig, err := signatureOfAll(values)
	if err != nil {
		return fmt.Errorf("dbus: SetBody: %w", err)
	}
	m.Signature = sig
	m.Body = values
	return nil
}

// replyExpected reports whether a method call expects a reply.
func (m *Message) replyExpected() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// fileRef is the minimal surface the pipeline needs to manage an attached
// Unix file descriptor; transport_unix.go provides the concrete
// *os.File-backed implementation.
type fileRef interface {
	Fd() uintptr
	Close() error
}

// encodeMessage serializes m into a complete wire message (header, padding,
// body) using the given byte order and serial. The caller is responsible
// for having validated m.Signature/m.Body consistency via SetBody or
// explicit construction.
func encodeMessage(m *Message, order binary.ByteOrder, serial uint32) ([]byte, error) {
	var bodyBuf bytes.Buffer
	bodyEnc := newEncoder(&bodyBuf, order, 0)

	if m.Signature != "" {
		types, err := parseSignature(string(m.Signature))
		if err != nil {
			return nil, err
		}
		if len(types) != len(m.Body) {
			return nil, fmt.Errorf("dbus: body has %d values but signature %q declares %d", len(m.Body), m.Signature, len(types))
		}
		for i, t := range types {
			if err := bodyEnc.Value(t, m.Body[i]); err != nil {
				return nil, fmt.Errorf("dbus: encoding body value %d: %w", i, err)
			}
		}
	}

	var endianFlag byte = littleEndian
	if order == binary.BigEndian {
		endianFlag = bigEndian
	}

	h := &header{
		ByteOrder: endianFlag,
		Type:      m.Type,
		Flags:     m.Flags,
		Proto:     protocolVersion,
		BodyLen:   uint32(bodyBuf.Len()),
		Serial:    serial,
		Fields:    headerFieldsFor(m),
	}
	if err := validateRequiredFields(h); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	hdrEnc := newEncoder(&out, order, 0)
	if err := encodeHeader(hdrEnc, h); err != nil {
		return nil, err
	}

	total := uint64(out.Len()) + uint64(bodyBuf.Len())
	if total > maxMessageSize {
		return nil, &LimitExceededError{Reason: fmt.Sprintf("message size %d exceeds %d", total, maxMessageSize)}
	}

	out.Write(bodyBuf.Bytes())
	return out.Bytes(), nil
}

// decodeBody decodes a message body of the given signature from dec.
func decodeBody(dec *decoder, sig string) ([]interface{}, error) {
	if sig == "" {
		return nil, nil
	}
	types, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	body := make([]interface{}, len(types))
	for i, t := range types {
		v, err := dec.Value(t)
		if err != nil {
			return nil, fmt.Errorf("dbus: decoding body value %d: %w", i, err)
		}
		body[i] = v
	}
	return body, nil
}

// messageFromHeader assembles a Message from a decoded header and body,
// the inverse of headerFieldsFor + decodeBody, used by FrameCodec.
func messageFromHeader(h *header, body []interface{}) *Message {
	m := &Message{
		Type:    h.Type,
		Flags:   h.Flags,
		Serial:  h.Serial,
		Body:    body,
		UnixFDs: h.unixFDs(),
	}
	if f, ok := h.field(fieldPath); ok {
		m.Path = ObjectPath(f.S)
	}
	if f, ok := h.field(fieldInterface); ok {
		m.Interface = f.S
	}
	if f, ok := h.field(fieldMember); ok {
		m.Member = f.S
	}
	if f, ok := h.field(fieldErrorName); ok {
		m.ErrorName = f.S
	}
	if rs, ok := h.replySerial(); ok {
		m.ReplySerial = rs
	}
	if f, ok := h.field(fieldDestination); ok {
		m.Destination = f.S
	}
	if f, ok := h.field(fieldSender); ok {
		m.Sender = f.S
	}
	m.Signature = Signature(h.signature())
	return m
}
