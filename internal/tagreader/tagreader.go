// Package tagreader walks DER-encoded ASN.1 structures by tag rather than
// by byte offset, so the IM4M (image4) and SCAB (legacy) ticket payload
// formats can be read without pointer arithmetic.
//
// Built on encoding/asn1's RawValue, the same stdlib package
// virtengine-virtengine/pkg/enclave_runtime/crypto_common.go reaches for
// when it needs to walk DER certificate structures (see DESIGN.md).
package tagreader

import (
	"encoding/asn1"

	"github.com/pkg/errors"
)

// Walk parses buf as a concatenation of top-level DER elements (typically
// the contents of a SEQUENCE) and returns each as a RawValue, preserving
// class/tag/constructed bits and the element's own content bytes.
func Walk(buf []byte) ([]asn1.RawValue, error) {
	var vals []asn1.RawValue
	rest := buf
	for len(rest) > 0 {
		var v asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &v)
		if err != nil {
			return nil, errors.Wrap(err, "tagreader: unmarshal DER element")
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// FindNamedProperty walks seq as a sequence of image4-style properties —
// each itself a `SEQUENCE { IA5String name; value }` — and returns the
// value element of the property named tag.
//
// This is the shape every IM4M/MANB/MANP key (ECID, BNCH, ...) is encoded
// in: a short ASCII tag followed by its value, wrapped in its own
// SEQUENCE, all siblings inside the outer manifest/ticket SEQUENCE.
func FindNamedProperty(seq []byte, tag string) (asn1.RawValue, bool, error) {
	elems, err := Walk(seq)
	if err != nil {
		return asn1.RawValue{}, false, err
	}
	for _, e := range elems {
		if !e.IsCompound {
			continue
		}
		inner, err := Walk(e.Bytes)
		if err != nil || len(inner) < 2 {
			continue
		}
		if string(inner[0].Bytes) == tag {
			return inner[1], true, nil
		}
	}
	return asn1.RawValue{}, false, nil
}

// FindNamedPropertyRecursive behaves like FindNamedProperty but searches
// every nesting level of seq, since IM4M properties live inside nested
// MANB/MANP sub-sequences rather than directly under the outer SEQUENCE.
func FindNamedPropertyRecursive(seq []byte, tag string) (asn1.RawValue, bool, error) {
	elems, err := Walk(seq)
	if err != nil {
		return asn1.RawValue{}, false, err
	}
	return searchElems(elems, tag)
}

func searchElems(elems []asn1.RawValue, tag string) (asn1.RawValue, bool, error) {
	for _, e := range elems {
		if !e.IsCompound {
			continue
		}
		inner, err := Walk(e.Bytes)
		if err != nil {
			continue
		}
		if len(inner) >= 2 && string(inner[0].Bytes) == tag && !inner[0].IsCompound {
			return inner[1], true, nil
		}
		if v, found, err := searchElems(inner, tag); found {
			return v, true, err
		}
	}
	return asn1.RawValue{}, false, nil
}

// FindContextTag walks seq (a flat DER SEQUENCE's contents, the legacy
// SCAB layout) and returns the element tagged with the given
// context-specific tag number — e.g. 0x01 (identifier byte 0x81) for
// SCAB's ECID field, 0x12 (0x92) for its boot-nonce, 0x1A (0x9A) for its
// ramdisk digest.
func FindContextTag(seq []byte, tagNumber int) (asn1.RawValue, bool, error) {
	elems, err := Walk(seq)
	if err != nil {
		return asn1.RawValue{}, false, err
	}
	for _, e := range elems {
		if e.Class == asn1.ClassContextSpecific && e.Tag == tagNumber {
			return e, true, nil
		}
	}
	return asn1.RawValue{}, false, nil
}

// BigEndianUint64 interprets v's content bytes as a big-endian unsigned
// integer, left-padding with zero bytes if shorter than 8 bytes and
// truncating to the trailing 8 bytes if longer (image4 sometimes encodes
// ECID as an ASN.1 INTEGER with a leading zero sign byte).
func BigEndianUint64(v asn1.RawValue) uint64 {
	b := v.Bytes
	if len(b) > 8 {
		b = b[len(b)-8:]
	}
	var out uint64
	for _, c := range b {
		out = out<<8 | uint64(c)
	}
	return out
}
