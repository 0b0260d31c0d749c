// Package plist decodes the property lists used throughout the restore
// protocol: signing tickets and build manifests, each either XML or binary
// (bplist00), optionally gzip-wrapped on disk.
//
// No property-list library fit (see DESIGN.md for the standard-library
// justification); this decoder is hand-rolled against encoding/xml for
// the XML variant and the published bplist00 trailer/offset-table layout
// for the binary variant, following bootimg.go's habit of decoding fixed
// vendor binary layouts directly with encoding/binary rather than a
// generic schema-driven approach.
package plist

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

// Dict is a decoded property list dictionary. Values are one of:
// Dict, []interface{}, string, []byte, int64, float64, bool, time.Time
// (and nil for a binary plist null).
type Dict map[string]interface{}

var bplistMagic = []byte("bplist00")

// Decode reads raw as a possibly-gzipped, XML-or-binary property list and
// returns its top-level dictionary.
func Decode(raw []byte) (Dict, error) {
	raw, err := maybeGunzip(raw)
	if err != nil {
		return nil, errors.Wrap(err, "plist: gunzip")
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	switch {
	case bytes.HasPrefix(raw, bplistMagic):
		v, err := decodeBinary(raw)
		if err != nil {
			return nil, errors.Wrap(err, "plist: decode binary")
		}
		d, ok := v.(Dict)
		if !ok {
			return nil, errors.New("plist: top-level binary object is not a dictionary")
		}
		return d, nil
	case bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<plist")):
		d, err := decodeXML(trimmed)
		if err != nil {
			return nil, errors.Wrap(err, "plist: decode xml")
		}
		return d, nil
	default:
		return nil, errors.New("plist: unrecognized property list encoding")
	}
}

func maybeGunzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// GetDict/GetData/GetString/GetArray/GetInt are small accessor helpers used
// pervasively by the ticket/firmware packages to pull typed fields out of a
// decoded Dict without repeating type assertions everywhere.

func GetDict(d Dict, key string) (Dict, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(Dict)
	return sub, ok
}

func GetData(d Dict, key string) ([]byte, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func GetString(d Dict, key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func GetArray(d Dict, key string) ([]interface{}, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	a, ok := v.([]interface{})
	return a, ok
}

func GetInt(d Dict, key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}
