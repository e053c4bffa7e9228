package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTrip(t *testing.T, sig string, v interface{}) interface{} {
	t.Helper()

	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	if err := enc.Value(sig, v); err != nil {
		t.Fatalf("encode %q: %v", sig, err)
	}

	dec := newDecoder(bytes.NewReader(buf.Bytes()), binary.LittleEndian, 0)
	got, err := dec.Value(sig)
	if err != nil {
		t.Fatalf("decode %q: %v", sig, err)
	}
	if dec.Offset() != enc.Offset() {
		t.Errorf("decode %q consumed %d bytes, encode wrote %d", sig, dec.Offset(), enc.Offset())
	}
	return got
}

func TestCodecRoundTripScalars(t *testing.T) {
	if got := roundTrip(t, "y", byte(42)); got != byte(42) {
		t.Errorf("byte round-trip = %v", got)
	}
	if got := roundTrip(t, "b", true); got != true {
		t.Errorf("bool round-trip = %v", got)
	}
	if got := roundTrip(t, "n", int16(-7)); got != int16(-7) {
		t.Errorf("int16 round-trip = %v", got)
	}
	if got := roundTrip(t, "q", uint16(7)); got != uint16(7) {
		t.Errorf("uint16 round-trip = %v", got)
	}
	if got := roundTrip(t, "i", int32(-100000)); got != int32(-100000) {
		t.Errorf("int32 round-trip = %v", got)
	}
	if got := roundTrip(t, "u", uint32(100000)); got != uint32(100000) {
		t.Errorf("uint32 round-trip = %v", got)
	}
	if got := roundTrip(t, "x", int64(-1<<40)); got != int64(-1<<40) {
		t.Errorf("int64 round-trip = %v", got)
	}
	if got := roundTrip(t, "t", uint64(1<<40)); got != uint64(1<<40) {
		t.Errorf("uint64 round-trip = %v", got)
	}
	if got := roundTrip(t, "d", 3.5); got != 3.5 {
		t.Errorf("double round-trip = %v", got)
	}
	if got := roundTrip(t, "s", "hello"); got != "hello" {
		t.Errorf("string round-trip = %v", got)
	}
	if got := roundTrip(t, "o", ObjectPath("/a/b")); got != ObjectPath("/a/b") {
		t.Errorf("object path round-trip = %v", got)
	}
	if got := roundTrip(t, "g", Signature("a{sv}")); got != Signature("a{sv}") {
		t.Errorf("signature round-trip = %v", got)
	}
}

func TestCodecRoundTripArray(t *testing.T) {
	in := []interface{}{"a", "bb", "ccc"}
	got := roundTrip(t, "as", in)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("array round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCodecRoundTripStruct(t *testing.T) {
	in := Struct{int32(7), "x"}
	got := roundTrip(t, "(is)", in)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("struct round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCodecRoundTripDict(t *testing.T) {
	in := Dict{
		{Key: "one", Value: int32(1)},
		{Key: "two", Value: int32(2)},
	}
	got := roundTrip(t, "a{si}", in)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("dict round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCodecRoundTripVariant(t *testing.T) {
	in := Variant{Sig: "i", Value: int32(9)}
	got := roundTrip(t, "v", in)
	gv, ok := got.(Variant)
	if !ok {
		t.Fatalf("decoded value is %T, want Variant", got)
	}
	if gv.Sig != in.Sig || gv.Value != in.Value {
		t.Errorf("variant round-trip = %+v, want %+v", gv, in)
	}
}

func TestCodecAlignment(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	enc.Byte(1)
	if got := enc.Offset(); got != 1 {
		t.Fatalf("offset after Byte = %d, want 1", got)
	}
	enc.Int64(1)
	if got := enc.Offset(); got != 16 {
		t.Errorf("int64 payload not aligned to 8: offset = %d, want 16", got)
	}
}

func TestDecodeBooleanRejectsNonBinary(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	enc.Uint32(2)

	dec := newDecoder(bytes.NewReader(buf.Bytes()), binary.LittleEndian, 0)
	if _, err := dec.Bool(); err == nil {
		t.Error("expected error decoding boolean value 2, got nil")
	}
}

func TestEncodeStringRejectsEmbeddedNul(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, binary.LittleEndian, 0)
	err := enc.Value("s", "a\x00b")
	if err == nil {
		t.Fatal("expected error encoding string with embedded NUL")
	}
}

func TestDecodeTruncated(t *testing.T) {
	dec := newDecoder(bytes.NewReader([]byte{1, 2}), binary.LittleEndian, 0)
	if _, err := dec.Uint32(); err == nil {
		t.Error("expected truncation error, got nil")
	}
}
