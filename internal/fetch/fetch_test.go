package fetch_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futurecore/internal/fetch"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// rangeServer serves a fixed byte slice, honoring Range and HEAD requests
// the way a real static-file host (or CDN) does.
func rangeServer(data []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write(data)
			return
		}
		start, end, err := parseRange(rangeHdr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func parseRange(hdr string) (start, end int, err error) {
	hdr = strings.TrimPrefix(hdr, "bytes=")
	parts := strings.SplitN(hdr, "-", 2)
	if start, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, err
	}
	if end, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func TestExtractZipEntry(t *testing.T) {
	data := buildZip(t, map[string]string{
		"AssetData/boot/BuildManifest.plist": "manifest-bytes-here",
		"Firmware/other.bin":                 "unrelated",
	})

	srv := rangeServer(data)
	defer srv.Close()

	c := fetch.NewClient(zerolog.Nop(), 5*time.Second)
	got, err := c.ExtractZipEntry(context.Background(), srv.URL, "BuildManifest.plist")
	if err != nil {
		t.Fatalf("ExtractZipEntry: %v", err)
	}
	if string(got) != "manifest-bytes-here" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractZipEntryMissingSuffix(t *testing.T) {
	data := buildZip(t, map[string]string{"a.txt": "x"})
	srv := rangeServer(data)
	defer srv.Close()

	c := fetch.NewClient(zerolog.Nop(), 5*time.Second)
	_, err := c.ExtractZipEntry(context.Background(), srv.URL, "nope.plist")
	if err == nil {
		t.Fatal("want error for missing member")
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"version":"16.7.2"}`)
	}))
	defer srv.Close()

	c := fetch.NewClient(zerolog.Nop(), 5*time.Second)
	var out struct {
		Version string `json:"version"`
	}
	if err := c.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Version != "16.7.2" {
		t.Fatalf("Version: got %q", out.Version)
	}
}
