package archive_test

import (
	"bytes"
	"compress/gzip"
	"testing"

	"futurecore/internal/archive"
)

func TestDetect(t *testing.T) {
	tdata := []byte("\x1f\x8b\x00\x00\xff\xff\xff\xff")
	if got := archive.Detect(tdata); got != archive.Gzip {
		t.Fatalf("Detect: want Gzip, got %v", got)
	}
	if got := archive.Detect([]byte("plain data")); got != archive.Raw {
		t.Fatalf("Detect: want Raw, got %v", got)
	}
}

func TestDecodeAllGzipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("component payload")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	out, f, err := archive.DecodeAll(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if f != archive.Gzip {
		t.Fatalf("DecodeAll: want format Gzip, got %v", f)
	}
	if string(out) != "component payload" {
		t.Fatalf("DecodeAll: want %q, got %q", "component payload", out)
	}
}

func TestDecodeAllRawPassthrough(t *testing.T) {
	in := []byte("not compressed")
	out, f, err := archive.DecodeAll(in)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if f != archive.Raw {
		t.Fatalf("DecodeAll: want Raw, got %v", f)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("DecodeAll: want passthrough %q, got %q", in, out)
	}
}
