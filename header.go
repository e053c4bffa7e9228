package dbus

import "fmt"

// Message types that appear in the second byte of the header.
const (
	// TypeMethodCall is a method call. This message type may prompt a reply.
	TypeMethodCall byte = 1 + iota
	// TypeMethodReply is a method reply with returned data.
	TypeMethodReply
	// TypeError is an error reply. If the first body argument exists and is
	// a string, it is an error message.
	TypeError
	// TypeSignal is a signal emission.
	TypeSignal
)

// Header flag bits.
const (
	FlagNoReplyExpected byte = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// protocolVersion is the only D-Bus wire protocol major version this
// codec understands.
const protocolVersion = 1

// messagePrologueSize is the length of the fixed part of a message header,
// i.e., from the beginning until the header fields array.
const messagePrologueSize = 16

// header represents a decoded message header.
type header struct {
	// ByteOrder is an endianness flag; ASCII 'l' for little-endian or ASCII
	// 'B' for big-endian. Both header and body are in this endianness.
	ByteOrder byte
	// Type is a message type, one of the Type* constants.
	Type byte
	// Flags is a bitwise OR of the Flag* constants.
	Flags byte
	// Proto is the major protocol version of the sending application.
	Proto byte
	// BodyLen is the length in bytes of the message body, starting from the
	// end of the header (after its alignment padding to an 8-byte boundary).
	BodyLen uint32
	// Serial is the serial of this message, used as a cookie by the sender
	// to identify the reply corresponding to this request. Must not be zero.
	Serial uint32
	// FieldsLen is the length of the header fields array in bytes,
	// excluding the padding that follows it.
	FieldsLen uint32
	// Fields holds the decoded header fields, in wire order.
	Fields []headerField
}

// Len returns the length of the message header including its trailing
// alignment padding, i.e. the byte offset at which the body begins.
func (h *header) Len() uint32 {
	wantHdrLen := uint32(messagePrologueSize) + h.FieldsLen
	_, padding := nextOffset(wantHdrLen, 8)
	return wantHdrLen + padding
}

// field looks up the first header field with the given code, returning
// ok=false if absent.
func (h *header) field(code byte) (headerField, bool) {
	for _, f := range h.Fields {
		if f.Code == code {
			return f, true
		}
	}
	return headerField{}, false
}

func (h *header) replySerial() (uint32, bool) {
	f, ok := h.field(fieldReplySerial)
	if !ok {
		return 0, false
	}
	return uint32(f.U), true
}

func (h *header) signature() string {
	f, ok := h.field(fieldSignature)
	if !ok {
		return ""
	}
	return f.S
}

func (h *header) unixFDs() uint32 {
	f, ok := h.field(fieldUnixFDs)
	if !ok {
		return 0
	}
	return uint32(f.U)
}

// Header fields, see the D-Bus specification's "Message Format" chapter.
const (
	// fieldPath is the object to send a call to, or the object a signal is
	// emitted from.
	fieldPath byte = 1 + iota
	// fieldInterface is the interface to invoke a method call on, or that a
	// signal is emitted from. Optional for method calls, required for
	// signals.
	fieldInterface
	// fieldMember is the member, either the method name or signal name.
	fieldMember
	// fieldErrorName is the name of the error that occurred.
	fieldErrorName
	// fieldReplySerial is the serial number of the message this message is
	// a reply to.
	fieldReplySerial
	// fieldDestination is the name of the connection the message is
	// intended for.
	fieldDestination
	// fieldSender is the unique name of the sending connection.
	fieldSender
	// fieldSignature is the signature of the message body. If omitted, it
	// is assumed to be the empty signature, i.e., the body must be empty.
	fieldSignature
	// fieldUnixFDs is the number of Unix file descriptors that accompany
	// the message.
	fieldUnixFDs
)

// headerField represents one element of the header fields array: a 1-byte
// field code followed by a variant value.
type headerField struct {
	// Code is a header field code, e.g. fieldPath.
	Code byte
	// Signature is the signature (single complete type) of the value.
	Signature string
	// U and S hold a header field's value, depending on Signature. A plain
	// interface{} is avoided here to keep header decoding alloc-light.
	U uint64
	S string
}

func (f headerField) String() string {
	var name string
	switch f.Code {
	case fieldPath:
		name = "PATH"
	case fieldInterface:
		name = "INTERFACE"
	case fieldMember:
		name = "MEMBER"
	case fieldErrorName:
		name = "ERROR_NAME"
	case fieldReplySerial:
		name = "REPLY_SERIAL"
	case fieldDestination:
		name = "DESTINATION"
	case fieldSender:
		name = "SENDER"
	case fieldSignature:
		name = "SIGNATURE"
	case fieldUnixFDs:
		name = "UNIX_FDS"
	default:
		name = "INVALID"
	}
	return name
}

// decodeHeader decodes a message header from dec into h. All fields of h
// are overwritten, since h may be reused across calls.
//
// The signature of the header is "yyyyuua(yv)" which is BYTE, BYTE, BYTE,
// BYTE, UINT32, UINT32, ARRAY of STRUCT of (BYTE, VARIANT). Here the fixed
// portion "yyyyuua" is decoded directly; the "a(yv)" header fields array is
// then decoded field by field.
func decodeHeader(dec *decoder, h *header) error {
	b, err := dec.ReadN(messagePrologueSize)
	if err != nil {
		return err
	}

	h.ByteOrder = b[0]
	order := byteOrderOf(h.ByteOrder)
	if order == nil {
		return &UnexpectedEndianError{Flag: h.ByteOrder}
	}
	dec.SetOrder(order)

	h.Type = b[1]
	h.Flags = b[2]
	h.Proto = b[3]
	h.BodyLen = order.Uint32(b[4:8])
	h.Serial = order.Uint32(b[8:12])
	h.FieldsLen = order.Uint32(b[12:])

	if h.Proto != protocolVersion {
		return &ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d", h.Proto)}
	}
	if h.Serial == 0 {
		return &ProtocolError{Reason: "message serial must not be zero"}
	}
	total := uint64(messagePrologueSize) + uint64(h.FieldsLen) + uint64(h.BodyLen)
	if total > maxMessageSize {
		return &LimitExceededError{Reason: fmt.Sprintf("message size %d exceeds %d", total, maxMessageSize)}
	}

	h.Fields = h.Fields[:0]
	hdrArrEnd := dec.Offset() + h.FieldsLen
	for dec.Offset() < hdrArrEnd {
		f, err := decodeHeaderField(dec)
		if err != nil {
			return fmt.Errorf("message header field: %w", err)
		}
		h.Fields = append(h.Fields, f)
	}
	if dec.Offset() != hdrArrEnd {
		return &ProtocolError{Reason: "header fields array length mismatch"}
	}

	// The header must end on an 8-byte boundary so the body can begin
	// there; discard the alignment padding.
	if err := dec.Align(8); err != nil {
		return fmt.Errorf("discard header padding: %w", err)
	}

	return validateRequiredFields(h)
}

// validateRequiredFields enforces the per-message-type required header
// fields from the D-Bus specification.
func validateRequiredFields(h *header) error {
	switch h.Type {
	case TypeMethodCall:
		if _, ok := h.field(fieldPath); !ok {
			return &ProtocolError{Reason: "method call missing PATH"}
		}
		if _, ok := h.field(fieldMember); !ok {
			return &ProtocolError{Reason: "method call missing MEMBER"}
		}
	case TypeSignal:
		if _, ok := h.field(fieldPath); !ok {
			return &ProtocolError{Reason: "signal missing PATH"}
		}
		if _, ok := h.field(fieldInterface); !ok {
			return &ProtocolError{Reason: "signal missing INTERFACE"}
		}
		if _, ok := h.field(fieldMember); !ok {
			return &ProtocolError{Reason: "signal missing MEMBER"}
		}
	case TypeMethodReply:
		if _, ok := h.field(fieldReplySerial); !ok {
			return &ProtocolError{Reason: "method return missing REPLY_SERIAL"}
		}
	case TypeError:
		if _, ok := h.field(fieldReplySerial); !ok {
			return &ProtocolError{Reason: "error missing REPLY_SERIAL"}
		}
		if _, ok := h.field(fieldErrorName); !ok {
			return &ProtocolError{Reason: "error missing ERROR_NAME"}
		}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", h.Type)}
	}
	if h.BodyLen > 0 {
		if _, ok := h.field(fieldSignature); !ok {
			return &ProtocolError{Reason: "non-empty body missing SIGNATURE"}
		}
	}
	return nil
}

// decodeHeaderField decodes one "(yv)" struct from the header fields array.
func decodeHeaderField(d *decoder) (f headerField, err error) {
	if err = d.Align(8); err != nil {
		return
	}
	if f.Code, err = d.Byte(); err != nil {
		return
	}

	sig, err := d.Signature()
	if err != nil {
		return f, err
	}
	// Container types are not used by any standard header field.
	if len(sig) != 1 {
		return f, &InvalidSignatureError{Sig: sig, Reason: "header field value must be a basic type"}
	}
	f.Signature = sig

	switch Type(sig[0]) {
	case TypeUint32:
		u, err := d.Uint32()
		if err != nil {
			return f, err
		}
		f.U = uint64(u)
	case TypeString, TypeObjectPath:
		s, err := d.String()
		if err != nil {
			return f, err
		}
		f.S = s
	case TypeSignature:
		s, err := d.Signature()
		if err != nil {
			return f, err
		}
		f.S = s
	default:
		return f, &InvalidSignatureError{Sig: sig, Reason: "unsupported header field type"}
	}

	return f, nil
}

// encodeHeader encodes the message header h, including the fixed portion,
// the header fields array, and the trailing alignment padding.
func encodeHeader(enc *encoder, h *header) error {
	enc.Byte(h.ByteOrder)
	enc.Byte(h.Type)
	enc.Byte(h.Flags)
	enc.Byte(h.Proto)
	enc.Uint32(h.BodyLen)
	enc.Uint32(h.Serial)

	// FieldsLen is written as a placeholder and patched below once the
	// array's actual encoded length is known.
	const headerFieldsLenOffset = 12
	enc.Uint32(h.FieldsLen)

	fieldsOffset := enc.Offset()
	for _, f := range h.Fields {
		if err := encodeHeaderField(enc, f); err != nil {
			return err
		}
	}
	fieldsLen := enc.Offset() - fieldsOffset
	if err := enc.Uint32At(fieldsLen, headerFieldsLenOffset); err != nil {
		return fmt.Errorf("encode header FieldsLen: %w", err)
	}

	// The header must end on an 8-byte boundary so the body can begin
	// there.
	enc.Align(8)
	return nil
}

// encodeHeaderField encodes one "(yv)" struct for the header fields array.
func encodeHeaderField(e *encoder, f headerField) error {
	if len(f.Signature) != 1 {
		return &InvalidSignatureError{Sig: f.Signature, Reason: "header field value must be a basic type"}
	}

	e.Align(8)
	e.Byte(f.Code)
	if err := e.Signature(f.Signature); err != nil {
		return err
	}

	switch Type(f.Signature[0]) {
	case TypeUint32:
		e.Uint32(uint32(f.U))
	case TypeString, TypeObjectPath:
		e.String(f.S)
	case TypeSignature:
		return e.Signature(f.S)
	default:
		return &InvalidSignatureError{Sig: f.Signature, Reason: "unsupported header field type"}
	}
	return nil
}

// headerFieldsFor builds the header fields array for the given message, in
// the canonical field order (PATH, INTERFACE, MEMBER, ERROR_NAME,
// REPLY_SERIAL, DESTINATION, SENDER, SIGNATURE, UNIX_FDS).
func headerFieldsFor(m *Message) []headerField {
	var fields []headerField
	add := func(code byte, sig string, u uint64, s string) {
		fields = append(fields, headerField{Code: code, Signature: sig, U: u, S: s})
	}

	if m.Path != "" {
		add(fieldPath, "o", 0, string(m.Path))
	}
	if m.Interface != "" {
		add(fieldInterface, "s", 0, m.Interface)
	}
	if m.Member != "" {
		add(fieldMember, "s", 0, m.Member)
	}
	if m.ErrorName != "" {
		add(fieldErrorName, "s", 0, m.ErrorName)
	}
	if m.ReplySerial != 0 {
		add(fieldReplySerial, "u", uint64(m.ReplySerial), "")
	}
	if m.Destination != "" {
		add(fieldDestination, "s", 0, m.Destination)
	}
	if m.Sender != "" {
		add(fieldSender, "s", 0, m.Sender)
	}
	if m.Signature != "" {
		add(fieldSignature, "g", 0, string(m.Signature))
	}
	if m.UnixFDs > 0 {
		add(fieldUnixFDs, "u", uint64(m.UnixFDs), "")
	}
	return fields
}
