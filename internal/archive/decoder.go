package archive

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Decoder wraps a format-specific decompressing reader. Narrowed from the
// teacher's compress.go Decoder (which also handled raw Write/Encode paths
// needed for boot-image repacking); this package only ever needs to read a
// downloaded component back out.
type Decoder struct {
	r      io.Reader
	closer io.Closer
}

// NewDecoder builds a Decoder for format f reading from r. Raw/Unknown
// formats pass r through unchanged.
func NewDecoder(f Format, r io.Reader) (*Decoder, error) {
	d := &Decoder{}
	switch f {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "archive: open gzip stream")
		}
		d.r = gz
		d.closer = gz
	case Bzip2:
		d.r = bzip2.NewReader(r)
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "archive: open xz stream")
		}
		d.r = xr
	case LZMA:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "archive: open lzma stream")
		}
		d.r = lr
	case LZ4, LZ4Legacy:
		d.r = lz4.NewReader(r)
	default:
		d.r = r
	}
	return d, nil
}

// DecodeAll detects the format of buf and returns its fully decompressed
// contents. Raw/Unknown input is returned unchanged.
func DecodeAll(buf []byte) ([]byte, Format, error) {
	f := Detect(buf)
	d, err := NewDecoder(f, bytes.NewReader(buf))
	if err != nil {
		return nil, f, err
	}
	defer d.Close()
	out, err := io.ReadAll(d.r)
	if err != nil {
		return nil, f, errors.Wrapf(err, "archive: decode %s stream", f)
	}
	return out, f, nil
}

func (d *Decoder) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *Decoder) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
