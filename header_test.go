package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &header{
		ByteOrder: littleEndian,
		Type:      TypeMethodCall,
		Flags:     0,
		Proto:     protocolVersion,
		BodyLen:   0,
		Serial:    7,
		Fields: []headerField{
			{Code: fieldPath, Signature: "o", S: "/org/freedesktop/DBus"},
			{Code: fieldInterface, Signature: "s", S: "org.freedesktop.DBus"},
			{Code: fieldMember, Signature: "s", S: "Hello"},
			{Code: fieldDestination, Signature: "s", S: "org.freedesktop.DBus"},
		},
	}

	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	if err := encodeHeader(enc, h); err != nil {
		t.Fatalf("encodeHeader: %v", err)
	}
	if enc.Offset()%8 != 0 {
		t.Fatalf("encoded header length %d is not 8-byte aligned", enc.Offset())
	}

	dec := newDecoder(bytes.NewReader(buf.Bytes()), binary.LittleEndian, 0)
	var got header
	if err := decodeHeader(dec, &got); err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}

	if diff := cmp.Diff(h.Fields, got.Fields); diff != "" {
		t.Errorf("header fields mismatch (-want +got):\n%s", diff)
	}
	if got.Serial != h.Serial || got.Type != h.Type || got.Proto != h.Proto {
		t.Errorf("header scalars mismatch: got %+v, want %+v", got, h)
	}
	if got.Len() != dec.Offset() {
		t.Errorf("header.Len() = %d, want decoder offset %d", got.Len(), dec.Offset())
	}
}

func TestDecodeHeaderRejectsBadEndian(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'x', TypeMethodCall, 0, protocolVersion})
	buf.Write(make([]byte, 12))

	dec := newDecoder(bytes.NewReader(buf.Bytes()), binary.LittleEndian, 0)
	var h header
	err := decodeHeader(dec, &h)
	if err == nil {
		t.Fatal("expected error for invalid endian flag, got nil")
	}
	if _, ok := err.(*UnexpectedEndianError); !ok {
		t.Errorf("error type = %T, want *UnexpectedEndianError", err)
	}
}

func TestDecodeHeaderRejectsZeroSerial(t *testing.T) {
	h := &header{ByteOrder: littleEndian, Type: TypeSignal, Proto: protocolVersion, Serial: 0, Fields: []headerField{
		{Code: fieldPath, Signature: "o", S: "/a"},
		{Code: fieldInterface, Signature: "s", S: "a.b"},
		{Code: fieldMember, Signature: "s", S: "C"},
	}}
	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	_ = encodeHeader(enc, h)

	dec := newDecoder(bytes.NewReader(buf.Bytes()), binary.LittleEndian, 0)
	var got header
	if err := decodeHeader(dec, &got); err == nil {
		t.Fatal("expected error for zero serial, got nil")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tt := []struct {
		name    string
		h       header
		wantErr bool
	}{
		{
			name:    "method call missing member",
			h:       header{Type: TypeMethodCall, Fields: []headerField{{Code: fieldPath, Signature: "o", S: "/a"}}},
			wantErr: true,
		},
		{
			name: "method call complete",
			h: header{Type: TypeMethodCall, Fields: []headerField{
				{Code: fieldPath, Signature: "o", S: "/a"},
				{Code: fieldMember, Signature: "s", S: "M"},
			}},
			wantErr: false,
		},
		{
			name:    "signal missing interface",
			h:       header{Type: TypeSignal, Fields: []headerField{{Code: fieldPath, Signature: "o", S: "/a"}, {Code: fieldMember, Signature: "s", S: "M"}}},
			wantErr: true,
		},
		{
			name:    "error missing error name",
			h:       header{Type: TypeError, Fields: []headerField{{Code: fieldReplySerial, Signature: "u", U: 1}}},
			wantErr: true,
		},
		{
			name: "method return complete",
			h: header{Type: TypeMethodReply, Fields: []headerField{
				{Code: fieldReplySerial, Signature: "u", U: 1},
			}},
			wantErr: false,
		},
		{
			name: "non-empty body missing signature",
			h: header{Type: TypeMethodReply, BodyLen: 4, Fields: []headerField{
				{Code: fieldReplySerial, Signature: "u", U: 1},
			}},
			wantErr: true,
		},
	}

	for _, tc := range tt {
		err := validateRequiredFields(&tc.h)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: validateRequiredFields error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestHeaderFieldsForOmitsEmpty(t *testing.T) {
	m := &Message{
		Path:   "/a",
		Member: "M",
	}
	fields := headerFieldsFor(m)
	if len(fields) != 2 {
		t.Fatalf("headerFieldsFor returned %d fields, want 2: %+v", len(fields), fields)
	}
	for _, f := range fields {
		if f.Code != fieldPath && f.Code != fieldMember {
			t.Errorf("unexpected field code %d in %+v", f.Code, fields)
		}
	}
}
