package tagreader_test

import (
	"encoding/asn1"
	"testing"

	"futurecore/internal/tagreader"
)

func marshalSeq(t *testing.T, elems ...interface{}) []byte {
	t.Helper()
	var out []byte
	for _, e := range elems {
		b, err := asn1.Marshal(e)
		if err != nil {
			t.Fatalf("asn1.Marshal: %v", err)
		}
		out = append(out, b...)
	}
	return out
}

func TestFindNamedProperty(t *testing.T) {
	prop := marshalSeq(t, struct {
		Name  string
		Value []byte
	}{"BNCH", []byte{1, 2, 3, 4}})

	seq := marshalSeq(t, asn1.RawValue{FullBytes: prop})

	v, ok, err := tagreader.FindNamedProperty(seq, "BNCH")
	if err != nil {
		t.Fatalf("FindNamedProperty: %v", err)
	}
	if !ok {
		t.Fatal("FindNamedProperty: not found")
	}
	if string(v.Bytes) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("want [1 2 3 4], got %v", v.Bytes)
	}
}

func TestFindContextTag(t *testing.T) {
	seq := marshalSeq(t, asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        1,
		IsCompound: false,
		Bytes:      []byte{0, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6, 0x01},
	})

	v, ok, err := tagreader.FindContextTag(seq, 1)
	if err != nil {
		t.Fatalf("FindContextTag: %v", err)
	}
	if !ok {
		t.Fatal("FindContextTag: not found")
	}
	if got := tagreader.BigEndianUint64(v); got != 0x00A1B2C3D4E5F601 {
		t.Fatalf("BigEndianUint64: want 0x00A1B2C3D4E5F601, got 0x%016X", got)
	}
}
