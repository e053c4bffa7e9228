package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTripMethodCall(t *testing.T) {
	call := NewMethodCall("/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", "org.freedesktop.DBus")
	call.Serial = 1
	if err := call.SetBody(int32(7), "arg"); err != nil {
		t.Fatalf("SetBody: %v", err)
	}

	var buf bytes.Buffer
	fw := newFrameWriter(&buf, binary.LittleEndian, nil)
	if err := fw.WriteMessage(call); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	fr := newFrameReader(&buf, 4096, nil)
	got, err := fr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if got.Type != TypeMethodCall || got.Path != call.Path || got.Member != call.Member {
		t.Errorf("decoded message mismatch: %+v", got)
	}
	if len(got.Body) != 2 || got.Body[0] != int32(7) || got.Body[1] != "arg" {
		t.Errorf("decoded body mismatch: %+v", got.Body)
	}
}

func TestFrameRoundTripMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf, binary.LittleEndian, nil)

	sig1 := NewSignal("/a", "a.b", "One")
	sig1.Serial = 1
	sig2 := NewSignal("/a", "a.b", "Two")
	sig2.Serial = 2

	if err := fw.WriteMessage(sig1); err != nil {
		t.Fatalf("WriteMessage 1: %v", err)
	}
	if err := fw.WriteMessage(sig2); err != nil {
		t.Fatalf("WriteMessage 2: %v", err)
	}

	fr := newFrameReader(&buf, 4096, nil)
	got1, err := fr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage 1: %v", err)
	}
	got2, err := fr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage 2: %v", err)
	}
	if got1.Member != "One" || got2.Member != "Two" {
		t.Errorf("messages decoded out of order: %q, %q", got1.Member, got2.Member)
	}
}

func TestFrameReaderRejectsUnixFDsWithoutSupport(t *testing.T) {
	h := &header{
		ByteOrder: littleEndian,
		Type:      TypeSignal,
		Proto:     protocolVersion,
		Serial:    1,
		Fields: []headerField{
			{Code: fieldPath, Signature: "o", S: "/a"},
			{Code: fieldInterface, Signature: "s", S: "a.b"},
			{Code: fieldMember, Signature: "s", S: "Sig"},
			{Code: fieldUnixFDs, Signature: "u", U: 1},
		},
	}
	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	if err := encodeHeader(enc, h); err != nil {
		t.Fatalf("encodeHeader: %v", err)
	}

	fr := newFrameReader(&buf, 4096, nil)
	_, err := fr.ReadMessage()
	if err == nil {
		t.Fatal("expected error reading a message with UNIX_FDS on an FD-less transport")
	}
}
