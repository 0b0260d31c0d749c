package plist

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// bplist00 layout: 8-byte magic, object table, offset table, 32-byte
// trailer. Trailer (from the end): 5 unused bytes, 1 sort-version byte,
// 1 offsetIntSize byte, 1 objectRefSize byte, 8-byte numObjects, 8-byte
// topObject, 8-byte offsetTableOffset.
type binaryDoc struct {
	data          []byte
	offsetTable   []uint64
	objectRefSize int
	offsetIntSize int
	numObjects    uint64
	topObject     uint64
}

func decodeBinary(raw []byte) (interface{}, error) {
	if len(raw) < 8+32 {
		return nil, errors.New("plist: binary file too short")
	}
	trailer := raw[len(raw)-32:]
	offsetIntSize := int(trailer[6])
	objectRefSize := int(trailer[7])
	numObjects := binary.BigEndian.Uint64(trailer[8:16])
	topObject := binary.BigEndian.Uint64(trailer[16:24])
	offsetTableOffset := binary.BigEndian.Uint64(trailer[24:32])

	if offsetIntSize == 0 || objectRefSize == 0 {
		return nil, errors.New("plist: invalid trailer int sizes")
	}

	doc := &binaryDoc{
		data:          raw,
		objectRefSize: objectRefSize,
		offsetIntSize: offsetIntSize,
		numObjects:    numObjects,
		topObject:     topObject,
	}

	doc.offsetTable = make([]uint64, numObjects)
	for i := uint64(0); i < numObjects; i++ {
		off := offsetTableOffset + i*uint64(offsetIntSize)
		if off+uint64(offsetIntSize) > uint64(len(raw)) {
			return nil, errors.New("plist: offset table out of range")
		}
		doc.offsetTable[i] = readUint(raw[off:off+uint64(offsetIntSize)], offsetIntSize)
	}

	return doc.objectAt(topObject, 0)
}

func readUint(b []byte, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

const maxBplistDepth = 64

func (d *binaryDoc) objectAt(index uint64, depth int) (interface{}, error) {
	if depth > maxBplistDepth {
		return nil, errors.New("plist: object graph too deep")
	}
	if index >= uint64(len(d.offsetTable)) {
		return nil, errors.Errorf("plist: object index %d out of range", index)
	}
	off := d.offsetTable[index]
	if off >= uint64(len(d.data)) {
		return nil, errors.Errorf("plist: object offset %d out of range", off)
	}
	b := d.data[off:]

	marker := b[0]
	objType := marker >> 4
	extra := marker & 0x0f

	switch objType {
	case 0x0:
		switch marker {
		case 0x00:
			return nil, nil
		case 0x08:
			return false, nil
		case 0x09:
			return true, nil
		default:
			return nil, nil
		}
	case 0x1: // int
		n := 1 << extra
		if len(b) < 1+n {
			return nil, errors.New("plist: truncated int object")
		}
		return decodeSignedInt(b[1 : 1+n]), nil
	case 0x2: // real
		n := 1 << extra
		if len(b) < 1+n {
			return nil, errors.New("plist: truncated real object")
		}
		if n == 4 {
			return float64(math.Float32frombits(uint32(readUint(b[1:5], 4)))), nil
		}
		return math.Float64frombits(readUint(b[1:9], 8)), nil
	case 0x3: // date: big-endian 8-byte float seconds since 2001-01-01
		if len(b) < 9 {
			return nil, errors.New("plist: truncated date object")
		}
		secs := math.Float64frombits(readUint(b[1:9], 8))
		epoch := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
		return epoch.Add(time.Duration(secs * float64(time.Second))), nil
	case 0x4: // data
		count, rest, err := d.readCount(b, extra)
		if err != nil {
			return nil, err
		}
		if uint64(len(rest)) < count {
			return nil, errors.New("plist: truncated data object")
		}
		out := make([]byte, count)
		copy(out, rest[:count])
		return out, nil
	case 0x5: // ASCII string
		count, rest, err := d.readCount(b, extra)
		if err != nil {
			return nil, err
		}
		if uint64(len(rest)) < count {
			return nil, errors.New("plist: truncated ascii string object")
		}
		return string(rest[:count]), nil
	case 0x6: // UTF-16BE string
		count, rest, err := d.readCount(b, extra)
		if err != nil {
			return nil, err
		}
		need := count * 2
		if uint64(len(rest)) < need {
			return nil, errors.New("plist: truncated unicode string object")
		}
		runes := make([]uint16, count)
		for i := uint64(0); i < count; i++ {
			runes[i] = uint16(readUint(rest[i*2:i*2+2], 2))
		}
		return decodeUTF16(runes), nil
	case 0x8: // UID
		n := int(extra) + 1
		if len(b) < 1+n {
			return nil, errors.New("plist: truncated uid object")
		}
		return decodeSignedInt(b[1 : 1+n]), nil
	case 0xA, 0xC: // array / set
		count, rest, err := d.readCount(b, extra)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, count)
		for i := uint64(0); i < count; i++ {
			refOff := i * uint64(d.objectRefSize)
			if uint64(len(rest)) < refOff+uint64(d.objectRefSize) {
				return nil, errors.New("plist: truncated array refs")
			}
			ref := readUint(rest[refOff:refOff+uint64(d.objectRefSize)], d.objectRefSize)
			v, err := d.objectAt(ref, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case 0xD: // dict
		count, rest, err := d.readCount(b, extra)
		if err != nil {
			return nil, err
		}
		keysOff := uint64(0)
		valsOff := count * uint64(d.objectRefSize)
		out := make(Dict, count)
		for i := uint64(0); i < count; i++ {
			kOff := keysOff + i*uint64(d.objectRefSize)
			vOff := valsOff + i*uint64(d.objectRefSize)
			if uint64(len(rest)) < vOff+uint64(d.objectRefSize) {
				return nil, errors.New("plist: truncated dict refs")
			}
			kRef := readUint(rest[kOff:kOff+uint64(d.objectRefSize)], d.objectRefSize)
			vRef := readUint(rest[vOff:vOff+uint64(d.objectRefSize)], d.objectRefSize)
			kv, err := d.objectAt(kRef, depth+1)
			if err != nil {
				return nil, err
			}
			vv, err := d.objectAt(vRef, depth+1)
			if err != nil {
				return nil, err
			}
			key, ok := kv.(string)
			if !ok {
				return nil, errors.New("plist: dict key is not a string")
			}
			out[key] = vv
		}
		return out, nil
	default:
		return nil, errors.Errorf("plist: unsupported object type 0x%x", objType)
	}
}

// readCount returns the count encoded in extra (or, if extra == 0xf, in a
// following int object), plus the remaining bytes after the count header.
func (d *binaryDoc) readCount(b []byte, extra byte) (uint64, []byte, error) {
	if extra != 0x0f {
		return uint64(extra), b[1:], nil
	}
	if len(b) < 2 {
		return 0, nil, errors.New("plist: truncated count header")
	}
	sizeMarker := b[1]
	if sizeMarker>>4 != 0x1 {
		return 0, nil, errors.New("plist: expected int object for count")
	}
	n := 1 << (sizeMarker & 0x0f)
	if len(b) < 2+n {
		return 0, nil, errors.New("plist: truncated count int")
	}
	count := readUint(b[2:2+n], n)
	return count, b[2+n:], nil
}

func decodeSignedInt(b []byte) int64 {
	if len(b) == 8 {
		return int64(readUint(b, 8))
	}
	v := readUint(b, len(b))
	return int64(v)
}

func decodeUTF16(runes []uint16) string {
	out := make([]rune, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		r := rune(runes[i])
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(runes) {
			r2 := rune(runes[i+1])
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				out = append(out, ((r-0xD800)<<10|(r2-0xDC00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, r)
	}
	return string(out)
}
