package cache_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha512"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futurecore/cache"
	"futurecore/firmware"
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

func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
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
		spec := strings.TrimPrefix(rangeHdr, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end, _ := strconv.Atoi(parts[1])
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", "bytes "+parts[0]+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func sha384(data []byte) []byte {
	sum := sha512.Sum384(data)
	return sum[:]
}

func TestMaterializeDownloadsAndCaches(t *testing.T) {
	payload := "rose-payload-bytes"
	archive := buildZip(t, map[string]string{"Firmware/rose.rtkit": payload})
	srv := rangeServer(t, archive)
	defer srv.Close()

	log := zerolog.Nop()
	client := fetch.NewClient(log, 5*time.Second)
	store, err := cache.NewStore(log, client, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	digest := sha384([]byte(payload))
	info := firmware.ComponentInfo{Path: "Firmware/rose.rtkit", Digest: digest}

	comp, err := store.Materialize(context.Background(), srv.URL, false, 0x8015, "Rap,RTKitOS", info)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if string(comp.Bytes) != payload {
		t.Fatalf("got %q want %q", comp.Bytes, payload)
	}

	// second call must hit the cache file, not the server; break the
	// server by closing it and confirm Materialize still succeeds.
	srv.Close()
	comp2, err := store.Materialize(context.Background(), srv.URL, false, 0x8015, "Rap,RTKitOS", info)
	if err != nil {
		t.Fatalf("Materialize (cache hit): %v", err)
	}
	if string(comp2.Bytes) != payload {
		t.Fatalf("cache hit returned %q want %q", comp2.Bytes, payload)
	}
}

func TestMaterializeUnhandledComponent(t *testing.T) {
	log := zerolog.Nop()
	client := fetch.NewClient(log, 5*time.Second)
	store, err := cache.NewStore(log, client, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = store.Materialize(context.Background(), "http://example/x.ipsw", false, 0x8015, "NotAComponent", firmware.ComponentInfo{})
	if err == nil {
		t.Fatal("want error for unhandled component")
	}
}

func TestMaterializeDigestMismatchFails(t *testing.T) {
	payload := "tampered-content"
	archive := buildZip(t, map[string]string{"Firmware/timer.img": payload})
	srv := rangeServer(t, archive)
	defer srv.Close()

	log := zerolog.Nop()
	client := fetch.NewClient(log, 5*time.Second)
	store, err := cache.NewStore(log, client, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	info := firmware.ComponentInfo{Path: "Firmware/timer.img", Digest: []byte("not-the-real-digest")}
	_, err = store.Materialize(context.Background(), srv.URL, false, 0x8015, "Timer,RestoreRTKitOS", info)
	if err == nil {
		t.Fatal("want DigestMismatch error")
	}
}

func TestMaterializeSEAlwaysRefetches(t *testing.T) {
	payload := "se-payload"
	archive := buildZip(t, map[string]string{"Firmware/se.sefw": payload})
	srv := rangeServer(t, archive)
	defer srv.Close()

	log := zerolog.Nop()
	client := fetch.NewClient(log, 5*time.Second)
	store, err := cache.NewStore(log, client, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	info := firmware.ComponentInfo{Path: "Firmware/se.sefw"}
	comp, err := store.Materialize(context.Background(), srv.URL, false, 0x8015, "SE,UpdatePayload", info)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if string(comp.Bytes) != payload {
		t.Fatalf("got %q want %q", comp.Bytes, payload)
	}
}
