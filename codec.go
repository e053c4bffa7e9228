package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

const (
	littleEndian = 'l'
	bigEndian    = 'B'

	// maxMessageSize is the maximum length of a message (128 MiB),
	// including header, header alignment padding, and body.
	maxMessageSize = 1 << 27
	// maxArrayLen is the maximum byte length of an array's marshalled
	// elements, per the D-Bus specification.
	maxArrayLen = 1 << 26
)

// UnixFD is a 32-bit index into a per-message file descriptor table.
type UnixFD uint32

// Struct is an ordered sequence of D-Bus values making up a STRUCT. Structs
// are always aligned to an 8-byte boundary regardless of their contents.
type Struct []interface{}

// Dict is a D-Bus dict: an array of (key, value) dict-entries. Represented
// as an ordered slice rather than a Go map so that any basic type, not just
// comparable built-ins, can serve as a key, and so that encoding order is
// deterministic.
type Dict []DictEntry

// byteOrderOf maps the wire endian flag to the corresponding ByteOrder, or
// nil if the flag is not one of the two values the protocol allows.
func byteOrderOf(flag byte) binary.ByteOrder {
	switch flag {
	case littleEndian:
		return binary.LittleEndian
	case bigEndian:
		return binary.BigEndian
	default:
		return nil
	}
}

// nextOffset returns the next byte position and the padding needed to
// advance current to a multiple of align.
func nextOffset(current, align uint32) (next, padding uint32) {
	if current%align == 0 {
		return current, 0
	}
	next = (current + align - 1) & ^(align - 1)
	padding = next - current
	return next, padding
}

// alignmentOf returns the natural alignment, in bytes, of the D-Bus type
// whose signature begins with code.
func alignmentOf(code byte) uint32 {
	switch Type(code) {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeUnixFD, TypeString, TypeObjectPath, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	default:
		return 1
	}
}

// encoder marshals D-Bus values into a byte buffer, tracking the running
// offset from the start of the message so alignment decisions are relative
// to the whole message, not just the body.
type encoder struct {
	order  binary.ByteOrder
	dst    *bytes.Buffer
	offset uint32
}

// newEncoder creates a new D-Bus encoder writing into dst, starting at the
// given offset (the byte position dst currently represents within the
// message being assembled).
func newEncoder(dst *bytes.Buffer, order binary.ByteOrder, offset uint32) *encoder {
	return &encoder{order: order, dst: dst, offset: offset}
}

// Offset returns the encoder's current position within the message.
func (e *encoder) Offset() uint32 { return e.offset }

// Align writes zero padding bytes until the offset is a multiple of n.
func (e *encoder) Align(n uint32) {
	offset, padding := nextOffset(e.offset, n)
	if padding == 0 {
		return
	}
	e.dst.Write(make([]byte, padding))
	e.offset = offset
}

// Byte encodes a D-Bus BYTE.
func (e *encoder) Byte(b byte) {
	e.dst.WriteByte(b)
	e.offset++
}

// Bool encodes a D-Bus BOOLEAN, which is marshalled as a 32-bit integer
// that must be 0 or 1.
func (e *encoder) Bool(b bool) {
	var u uint32
	if b {
		u = 1
	}
	e.Uint32(u)
}

// Int16 encodes a D-Bus INT16.
func (e *encoder) Int16(n int16) { e.Uint16(uint16(n)) }

// Uint16 encodes a D-Bus UINT16.
func (e *encoder) Uint16(u uint16) {
	e.Align(2)
	b := make([]byte, 2)
	e.order.PutUint16(b, u)
	e.dst.Write(b)
	e.offset += 2
}

// Int32 encodes a D-Bus INT32.
func (e *encoder) Int32(n int32) { e.Uint32(uint32(n)) }

// Uint32 encodes a D-Bus UINT32.
func (e *encoder) Uint32(u uint32) {
	e.Align(4)
	b := make([]byte, 4)
	e.order.PutUint32(b, u)
	e.dst.Write(b)
	e.offset += 4
}

// Uint32At overwrites a previously written UINT32 at byte position pos,
// used to patch the header fields array length and array element lengths
// after their contents are known.
func (e *encoder) Uint32At(u uint32, pos uint32) error {
	buf := e.dst.Bytes()
	if int(pos)+4 > len(buf) {
		return fmt.Errorf("dbus: Uint32At: position %d out of range", pos)
	}
	e.order.PutUint32(buf[pos:pos+4], u)
	return nil
}

// Int64 encodes a D-Bus INT64.
func (e *encoder) Int64(n int64) { e.Uint64(uint64(n)) }

// Uint64 encodes a D-Bus UINT64.
func (e *encoder) Uint64(u uint64) {
	e.Align(8)
	b := make([]byte, 8)
	e.order.PutUint64(b, u)
	e.dst.Write(b)
	e.offset += 8
}

// Double encodes a D-Bus DOUBLE.
func (e *encoder) Double(f float64) {
	e.Uint64(math.Float64bits(f))
}

// String encodes a D-Bus STRING or OBJECT_PATH.
func (e *encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.dst.WriteString(s)
	e.dst.WriteByte(0)
	e.offset += uint32(len(s) + 1)
}

// Signature encodes a D-Bus SIGNATURE: a single byte length followed by the
// signature bytes and a terminating NUL. Unlike String, no alignment
// padding precedes the length byte.
func (e *encoder) Signature(s string) error {
	if len(s) > maxSignatureLen {
		return &LimitExceededError{Reason: fmt.Sprintf("signature length %d exceeds %d", len(s), maxSignatureLen)}
	}
	e.Byte(byte(len(s)))
	e.dst.WriteString(s)
	e.dst.WriteByte(0)
	e.offset += uint32(len(s) + 1)
	return nil
}

// UnixFD encodes a D-Bus UNIX_FD (an index into the message's FD table).
func (e *encoder) UnixFD(fd UnixFD) { e.Uint32(uint32(fd)) }

// Value encodes v according to sig, a single complete type.
func (e *encoder) Value(sig string, v interface{}) error {
	if len(sig) == 0 {
		return &InvalidSignatureError{Sig: sig, Reason: "empty signature for value"}
	}

	switch Type(sig[0]) {
	case TypeByte:
		b, ok := v.(byte)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Byte(b)
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Bool(b)
	case TypeInt16:
		n, ok := v.(int16)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Int16(n)
	case TypeUint16:
		n, ok := v.(uint16)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Uint16(n)
	case TypeInt32:
		n, ok := v.(int32)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Int32(n)
	case TypeUint32:
		n, ok := v.(uint32)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Uint32(n)
	case TypeInt64:
		n, ok := v.(int64)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Int64(n)
	case TypeUint64:
		n, ok := v.(uint64)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Uint64(n)
	case TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.Double(f)
	case TypeUnixFD:
		fd, ok := v.(UnixFD)
		if !ok {
			return typeMismatch(sig, v)
		}
		e.UnixFD(fd)
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(sig, v)
		}
		if err := validateUTF8NoNul(s); err != nil {
			return err
		}
		e.String(s)
	case TypeObjectPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return typeMismatch(sig, v)
		}
		if !p.IsValid() {
			return &InvalidObjectPathError{Path: string(p)}
		}
		e.String(string(p))
	case TypeSignature:
		s, ok := v.(Signature)
		if !ok {
			return typeMismatch(sig, v)
		}
		if err := validateSignature(string(s)); err != nil {
			return err
		}
		return e.Signature(string(s))
	case TypeVariant:
		vr, ok := v.(Variant)
		if !ok {
			return typeMismatch(sig, v)
		}
		return e.encodeVariant(vr)
	case TypeArray:
		return e.encodeArray(sig, v)
	case TypeStruct:
		return e.encodeStruct(sig, v)
	default:
		return &InvalidSignatureError{Sig: sig, Reason: fmt.Sprintf("unsupported leading type code %q", sig[0])}
	}
	return nil
}

func (e *encoder) encodeVariant(vr Variant) error {
	if err := e.Signature(string(vr.Sig)); err != nil {
		return err
	}
	return e.Value(string(vr.Sig), vr.Value)
}

func (e *encoder) encodeArray(sig string, v interface{}) error {
	elemSig := sig[1:]

	// The length prefix is written now and patched once the element bytes
	// are known, matching encodeHeader's FieldsLen patching idiom.
	e.Align(4)
	lenPos := e.Offset()
	e.Uint32(0)
	e.Align(alignmentOf(elemSig[0]))
	start := e.Offset()

	if isDictEntryArray(elemSig) {
		d, ok := v.(Dict)
		if !ok {
			return typeMismatch(sig, v)
		}
		kvSig := elemSig[1 : len(elemSig)-1]
		keyLen, err := completeTypeLen(kvSig, 0, false)
		if err != nil {
			return err
		}
		keySig, valSig := kvSig[:keyLen], kvSig[keyLen:]
		for _, entry := range d {
			e.Align(8)
			if err := e.Value(keySig, entry.Key); err != nil {
				return err
			}
			if err := e.Value(valSig, entry.Value); err != nil {
				return err
			}
		}
	} else {
		elems, ok := v.([]interface{})
		if ss, isStrings := v.([]string); isStrings {
			elems, ok = make([]interface{}, len(ss)), true
			for i, s := range ss {
				elems[i] = s
			}
		}
		if !ok {
			return typeMismatch(sig, v)
		}
		for _, el := range elems {
			if err := e.Value(elemSig, el); err != nil {
				return err
			}
		}
	}

	n := e.Offset() - start
	if n > maxArrayLen {
		return &LimitExceededError{Reason: fmt.Sprintf("array body length %d exceeds %d", n, maxArrayLen)}
	}
	return e.Uint32At(n, lenPos)
}

func (e *encoder) encodeStruct(sig string, v interface{}) error {
	s, ok := v.(Struct)
	if !ok {
		return typeMismatch(sig, v)
	}
	inner := sig[1 : len(sig)-1]
	types, err := parseSignature(inner)
	if err != nil {
		return err
	}
	if len(types) != len(s) {
		return fmt.Errorf("dbus: struct %s expects %d fields, got %d", sig, len(types), len(s))
	}

	e.Align(8)
	for i, t := range types {
		if err := e.Value(t, s[i]); err != nil {
			return err
		}
	}
	return nil
}

func typeMismatch(sig string, v interface{}) error {
	return fmt.Errorf("dbus: value %v (%T) does not match signature %q", v, v, sig)
}

func validateUTF8NoNul(s string) error {
	if !utf8.ValidString(s) {
		return &InvalidUTF8Error{Reason: "invalid UTF-8 string"}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return &InvalidUTF8Error{Reason: "embedded NUL byte"}
		}
	}
	return nil
}

// decoder unmarshals D-Bus values from an io.Reader, tracking the running
// offset from the start of the message for alignment.
type decoder struct {
	order  binary.ByteOrder
	src    io.Reader
	buf    []byte
	offset uint32
}

// newDecoder creates a new D-Bus decoder reading from src.
func newDecoder(src io.Reader, order binary.ByteOrder, offset uint32) *decoder {
	return &decoder{order: order, src: src, offset: offset}
}

// Reset rebinds the decoder to read from src with the given starting
// offset, reusing its internal scratch buffer.
func (d *decoder) Reset(src io.Reader, offset uint32) {
	d.src = src
	d.offset = offset
}

// SetOrder sets the byte order used to decode subsequent fixed-size values.
func (d *decoder) SetOrder(order binary.ByteOrder) { d.order = order }

// Offset returns the decoder's current position within the message.
func (d *decoder) Offset() uint32 { return d.offset }

// ReadN reads exactly n bytes. The returned slice is only valid until the
// next call into the decoder.
func (d *decoder) ReadN(n uint32) ([]byte, error) {
	if cap(d.buf) < int(n) {
		d.buf = make([]byte, n)
	}
	b := d.buf[:n]
	if _, err := io.ReadFull(d.src, b); err != nil {
		return nil, &TruncatedError{Reason: fmt.Sprintf("reading %d bytes", n), Err: err}
	}
	d.offset += n
	return b, nil
}

// Align discards the padding bytes needed to bring the offset to a
// multiple of n.
func (d *decoder) Align(n uint32) error {
	offset, padding := nextOffset(d.offset, n)
	if padding == 0 {
		return nil
	}
	if _, err := d.ReadN(padding); err != nil {
		return err
	}
	d.offset = offset
	return nil
}

// Byte decodes a D-Bus BYTE.
func (d *decoder) Byte() (byte, error) {
	b, err := d.ReadN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool decodes a D-Bus BOOLEAN.
func (d *decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	if u > 1 {
		return false, &ProtocolError{Reason: fmt.Sprintf("boolean value %d is neither 0 nor 1", u)}
	}
	return u == 1, nil
}

// Int16 decodes a D-Bus INT16.
func (d *decoder) Int16() (int16, error) {
	u, err := d.Uint16()
	return int16(u), err
}

// Uint16 decodes a D-Bus UINT16.
func (d *decoder) Uint16() (uint16, error) {
	if err := d.Align(2); err != nil {
		return 0, err
	}
	b, err := d.ReadN(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

// Int32 decodes a D-Bus INT32.
func (d *decoder) Int32() (int32, error) {
	u, err := d.Uint32()
	return int32(u), err
}

// Uint32 decodes a D-Bus UINT32.
func (d *decoder) Uint32() (uint32, error) {
	if err := d.Align(4); err != nil {
		return 0, err
	}
	b, err := d.ReadN(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

// Int64 decodes a D-Bus INT64.
func (d *decoder) Int64() (int64, error) {
	u, err := d.Uint64()
	return int64(u), err
}

// Uint64 decodes a D-Bus UINT64.
func (d *decoder) Uint64() (uint64, error) {
	if err := d.Align(8); err != nil {
		return 0, err
	}
	b, err := d.ReadN(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

// Double decodes a D-Bus DOUBLE.
func (d *decoder) Double() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// String decodes a D-Bus STRING or OBJECT_PATH.
func (d *decoder) String() (string, error) {
	strLen, err := d.Uint32()
	if err != nil {
		return "", err
	}
	b, err := d.ReadN(strLen + 1)
	if err != nil {
		return "", err
	}
	if b[strLen] != 0 {
		return "", &ProtocolError{Reason: "string is not NUL-terminated"}
	}
	return string(b[:strLen]), nil
}

// Signature decodes a D-Bus SIGNATURE.
func (d *decoder) Signature() (string, error) {
	n, err := d.Byte()
	if err != nil {
		return "", err
	}
	b, err := d.ReadN(uint32(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", &ProtocolError{Reason: "signature is not NUL-terminated"}
	}
	return string(b[:n]), nil
}

// UnixFD decodes a D-Bus UNIX_FD.
func (d *decoder) UnixFD() (UnixFD, error) {
	u, err := d.Uint32()
	return UnixFD(u), err
}

// Value decodes a single complete type described by sig.
func (d *decoder) Value(sig string) (interface{}, error) {
	if len(sig) == 0 {
		return nil, &InvalidSignatureError{Sig: sig, Reason: "empty signature for value"}
	}

	switch Type(sig[0]) {
	case TypeByte:
		return d.Byte()
	case TypeBoolean:
		return d.Bool()
	case TypeInt16:
		return d.Int16()
	case TypeUint16:
		return d.Uint16()
	case TypeInt32:
		return d.Int32()
	case TypeUint32:
		return d.Uint32()
	case TypeInt64:
		return d.Int64()
	case TypeUint64:
		return d.Uint64()
	case TypeDouble:
		return d.Double()
	case TypeUnixFD:
		return d.UnixFD()
	case TypeString:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if err := validateUTF8NoNul(s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if !p.IsValid() {
			return nil, &InvalidObjectPathError{Path: s}
		}
		return p, nil
	case TypeSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		if err := validateSignature(s); err != nil {
			return nil, err
		}
		return Signature(s), nil
	case TypeVariant:
		return d.decodeVariant()
	case TypeArray:
		return d.decodeArray(sig)
	case TypeStruct:
		return d.decodeStruct(sig)
	default:
		return nil, &InvalidSignatureError{Sig: sig, Reason: fmt.Sprintf("unsupported leading type code %q", sig[0])}
	}
}

func (d *decoder) decodeVariant() (Variant, error) {
	sig, err := d.Signature()
	if err != nil {
		return Variant{}, err
	}
	types, err := parseSignature(sig)
	if err != nil {
		return Variant{}, err
	}
	if len(types) != 1 {
		return Variant{}, &InvalidSignatureError{Sig: sig, Reason: "variant signature must be a single complete type"}
	}
	v, err := d.Value(sig)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: Signature(sig), Value: v}, nil
}

func (d *decoder) decodeArray(sig string) (interface{}, error) {
	elemSig := sig[1:]
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if n > maxArrayLen {
		return nil, &LimitExceededError{Reason: fmt.Sprintf("array body length %d exceeds %d", n, maxArrayLen)}
	}
	if err := d.Align(alignmentOf(elemSig[0])); err != nil {
		return nil, err
	}
	end := d.offset + n

	if isDictEntryArray(elemSig) {
		kvSig := elemSig[1 : len(elemSig)-1]
		keyLen, err := completeTypeLen(kvSig, 0, false)
		if err != nil {
			return nil, err
		}
		keySig, valSig := kvSig[:keyLen], kvSig[keyLen:]

		dict := Dict{}
		for d.offset < end {
			if err := d.Align(8); err != nil {
				return nil, err
			}
			key, err := d.Value(keySig)
			if err != nil {
				return nil, err
			}
			val, err := d.Value(valSig)
			if err != nil {
				return nil, err
			}
			dict = append(dict, DictEntry{Key: key, Value: val})
		}
		if d.offset != end {
			return nil, &ProtocolError{Reason: "array length did not match decoded element bytes"}
		}
		return dict, nil
	}

	elems := []interface{}{}
	for d.offset < end {
		v, err := d.Value(elemSig)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	if d.offset != end {
		return nil, &ProtocolError{Reason: "array length did not match decoded element bytes"}
	}
	return elems, nil
}

func (d *decoder) decodeStruct(sig string) (Struct, error) {
	if err := d.Align(8); err != nil {
		return nil, err
	}
	inner := sig[1 : len(sig)-1]
	types, err := parseSignature(inner)
	if err != nil {
		return nil, err
	}

	s := make(Struct, len(types))
	for i, t := range types {
		v, err := d.Value(t)
		if err != nil {
			return nil, err
		}
		s[i] = v
	}
	return s, nil
}

// signatureOfAll computes the concatenated signature of a sequence of
// already-typed body values, e.g. for building method-return/error bodies
// the way godbus's GetSignature helper does.
func signatureOfAll(values []interface{}) (Signature, error) {
	var buf bytes.Buffer
	for _, v := range values {
		sig, err := signatureOf(v)
		if err != nil {
			return "", err
		}
		buf.WriteString(string(sig))
	}
	return Signature(buf.String()), nil
}
