// Package cache implements the Component Cache: for each component a
// BuildIdentity lists, produce a local file whose digest
// matches the manifest's stated digest, downloading it via a partial ZIP
// read only when the cached copy is missing or stale.
package cache

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"futurecore/firmware"
	"futurecore/internal/archive"
	"futurecore/internal/fetch"
	"futurecore/restoreerr"
)

// Component is a materialized cache entry: the bytes the Orchestrator
// hands to the Device Session, alongside the digest it was verified
// against.
type Component struct {
	Name   string
	Path   string // local cache file path
	Bytes  []byte
	Digest []byte
}

// Store is the Component Cache's single instance for one restore attempt.
type Store struct {
	log    zerolog.Logger
	client *fetch.Client
	dir    string
}

// NewStore builds a Store rooted at dir, creating it if necessary.
func NewStore(log zerolog.Logger, client *fetch.Client, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, restoreerr.Wrap(restoreerr.DownloadFailed, err, "create cache dir "+dir)
	}
	return &Store{
		log:    log.With().Str("component", "cache").Logger(),
		client: client,
		dir:    dir,
	}, nil
}

// digest computes the manifest-comparable hash of data, selecting the
// algorithm by chip family: SHA-1 on pre-image4 chips (chip id < 0x8010),
// SHA-384 otherwise.
func digest(chipID uint16, data []byte) []byte {
	if chipID < 0x8010 {
		sum := sha1.Sum(data)
		return sum[:]
	}
	sum := sha512.Sum384(data)
	return sum[:]
}

// Materialize produces the local cache file for a single named component
// out of the archive at archiveURL, reusing a valid cached copy when its
// digest still matches info.Digest.
func (s *Store) Materialize(ctx context.Context, archiveURL string, ota bool, chipID uint16, name string, info firmware.ComponentInfo) (Component, error) {
	spec, ok := Lookup(name)
	if !ok {
		return Component{}, restoreerr.New(restoreerr.Unknown, "cache: unhandled component "+name)
	}

	archivePath := info.Path
	if ota {
		archivePath = "AssetData/boot/" + archivePath
	}
	cachePath := filepath.Join(s.dir, spec.CacheFile)

	if !spec.AlwaysRefetch {
		if data, ok := s.readValid(cachePath, chipID, info.Digest); ok {
			s.log.Debug().Str("component", name).Msg("cache hit")
			out, err := s.decompress(name, data)
			if err != nil {
				return Component{}, err
			}
			return Component{Name: name, Path: cachePath, Bytes: out, Digest: info.Digest}, nil
		}
	}

	data, err := s.download(ctx, archiveURL, archivePath, cachePath, chipID, info.Digest)
	if err != nil {
		return Component{}, err
	}
	out, err := s.decompress(name, data)
	if err != nil {
		return Component{}, err
	}
	return Component{Name: name, Path: cachePath, Bytes: out, Digest: info.Digest}, nil
}

// decompress transparently unwraps a component payload that arrived
// LZMA/LZ4/XZ/gzip/bzip2-compressed inside the archive; the manifest digest
// is always verified against the raw on-disk bytes, never the decompressed
// form, so this never affects I3.
func (s *Store) decompress(name string, data []byte) ([]byte, error) {
	out, format, err := archive.DecodeAll(data)
	if err != nil {
		return nil, restoreerr.Wrap(restoreerr.DownloadFailed, err, "decompress component "+name)
	}
	if archive.Compressed(format) {
		s.log.Debug().Str("component", name).Str("format", format.String()).Msg("decompressed component payload")
	}
	return out, nil
}

func (s *Store) readValid(path string, chipID uint16, want []byte) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !bytes.Equal(digest(chipID, data), want) {
		return nil, false
	}
	return data, true
}

// download performs the partial-zip fetch and digest-verify-with-one-retry
// sequence shared by every component.
func (s *Store) download(ctx context.Context, archiveURL, archivePath, cachePath string, chipID uint16, want []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		data, err := s.client.ExtractZipEntry(ctx, archiveURL, archivePath)
		if err != nil {
			return nil, restoreerr.Wrap(restoreerr.DownloadFailed, err, "download "+archivePath)
		}
		if len(want) > 0 && !bytes.Equal(digest(chipID, data), want) {
			lastErr = restoreerr.New(restoreerr.DigestMismatch, "digest mismatch for "+archivePath)
			os.Remove(cachePath)
			s.log.Warn().Str("path", archivePath).Int("attempt", attempt+1).Msg("digest mismatch, retrying")
			continue
		}
		if err := os.WriteFile(cachePath, data, 0o644); err != nil {
			return nil, restoreerr.Wrap(restoreerr.DownloadFailed, err, "write cache file "+cachePath)
		}
		return data, nil
	}
	return nil, lastErr
}

// MaterializeBaseband is the special-cased baseband fetch: the outer
// archive member is itself a ZIP, and cache-hit/verification is
// against the inner bbcfg.mbn member's SHA-256, not the outer member's
// chip-family digest.
func (s *Store) MaterializeBaseband(ctx context.Context, archiveURL, archivePath string, bbcfgDigest []byte) (Component, error) {
	spec, _ := Lookup("BasebandFirmware")
	cachePath := filepath.Join(s.dir, spec.CacheFile)

	if data, err := os.ReadFile(cachePath); err == nil {
		if bbcfg, err := extractBBCfg(data); err == nil && sha256Equal(bbcfg, bbcfgDigest) {
			s.log.Debug().Msg("baseband cache hit")
			return Component{Name: "BasebandFirmware", Path: cachePath, Bytes: data}, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		data, err := s.client.ExtractZipEntry(ctx, archiveURL, archivePath)
		if err != nil {
			return Component{}, restoreerr.Wrap(restoreerr.DownloadFailed, err, "download baseband")
		}
		bbcfg, err := extractBBCfg(data)
		if err != nil {
			return Component{}, restoreerr.Wrap(restoreerr.ManifestMalformed, err, "extract bbcfg.mbn from baseband archive")
		}
		if !sha256Equal(bbcfg, bbcfgDigest) {
			lastErr = restoreerr.New(restoreerr.DigestMismatch, "bbcfg.mbn digest mismatch")
			os.Remove(cachePath)
			s.log.Warn().Int("attempt", attempt+1).Msg("baseband digest mismatch, retrying")
			continue
		}
		if err := os.WriteFile(cachePath, data, 0o644); err != nil {
			return Component{}, restoreerr.Wrap(restoreerr.DownloadFailed, err, "write baseband cache file")
		}
		return Component{Name: "BasebandFirmware", Path: cachePath, Bytes: data}, nil
	}
	return Component{}, lastErr
}

func extractBBCfg(basebandArchive []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(basebandArchive), int64(len(basebandArchive)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if f.Name == "bbcfg.mbn" || filepath.Base(f.Name) == "bbcfg.mbn" {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, restoreerr.New(restoreerr.ManifestMalformed, "baseband archive has no bbcfg.mbn member")
}

// LoadExternal bypasses the Firmware Index entirely: it reads component's
// bytes from a caller-supplied path and, if manifestPath is non-empty,
// verifies them against the digest stated for componentKey in that local
// build manifest (used for explicit --sep/--baseband overrides).
func (s *Store) LoadExternal(componentKey, path, manifestPath string, chipID uint16) (Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Component{}, restoreerr.Wrap(restoreerr.DownloadFailed, err, "read external component "+path)
	}

	comp := Component{Name: componentKey, Path: path, Bytes: data}
	if manifestPath == "" {
		return comp, nil
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return Component{}, restoreerr.Wrap(restoreerr.ManifestMissing, err, "read external manifest "+manifestPath)
	}
	m, err := firmware.ParseManifest(raw)
	if err != nil {
		return Component{}, restoreerr.Wrap(restoreerr.ManifestMalformed, err, "parse external manifest "+manifestPath)
	}

	var want []byte
	for _, bi := range m.Identities {
		if ci, ok := bi.Components[componentKey]; ok {
			want = ci.Digest
			break
		}
	}
	if len(want) > 0 && !bytes.Equal(digest(chipID, data), want) {
		return Component{}, restoreerr.New(restoreerr.DigestMismatch, "external component "+componentKey+" does not match its manifest digest")
	}
	comp.Digest = want
	return comp, nil
}

func sha256Equal(data, want []byte) bool {
	if len(want) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	return bytes.Equal(sum[:], want)
}
