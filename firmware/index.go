// Package firmware implements the Firmware Index: parsing the
// release/beta/OTA catalogs and resolving a (model, selector) pair to a
// download URL and a build manifest.
package firmware

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"futurecore/internal/fetch"
	"futurecore/restoreerr"
)

// CatalogKind distinguishes the three firmware catalogs.
type CatalogKind int

const (
	Release CatalogKind = iota
	Beta
	OTA
)

// betaMarker is the substring that excludes a version from the
// default-latest selection.
const betaMarker = "[B]"

// VersionDescriptor is one entry of a catalog's version listing.
type VersionDescriptor struct {
	Model   string
	Version string
	Build   string
	URL     string
	Beta    bool
}

// catalogDoc is the JSON shape every one of the three endpoints returns:
// a flat array of entries under a top-level key, one per (model,
// version, build).
type catalogDoc struct {
	Entries []catalogEntry `json:"entries"`
}

type catalogEntry struct {
	Model   string `json:"model"`
	Version string `json:"version"`
	Build   string `json:"build"`
	URL     string `json:"url"`
}

// Endpoints names the three catalog URLs and the secondary beta-by-OS
// -family fallback: a secondary catalog keyed by OS family.
type Endpoints struct {
	Release        string
	Beta           string
	OTA            string
	BetaByFamily   map[string]string // "iOS" | "iPadOS" -> URL
}

// Index holds the three parsed catalogs, lazily fetched and cached for
// the process lifetime. A fetched catalog document is parsed once per
// firmware selection and treated as immutable, the same as a Manifest.
type Index struct {
	log       zerolog.Logger
	client    *fetch.Client
	endpoints Endpoints

	catalogs map[CatalogKind][]VersionDescriptor
	families map[string][]VersionDescriptor
}

// NewIndex builds an Index against the given catalog endpoints.
func NewIndex(log zerolog.Logger, client *fetch.Client, endpoints Endpoints) *Index {
	return &Index{
		log:       log.With().Str("component", "firmware").Logger(),
		client:    client,
		endpoints: endpoints,
		catalogs:  make(map[CatalogKind][]VersionDescriptor),
		families:  make(map[string][]VersionDescriptor),
	}
}

func (idx *Index) catalogURL(kind CatalogKind) string {
	switch kind {
	case Beta:
		return idx.endpoints.Beta
	case OTA:
		return idx.endpoints.OTA
	default:
		return idx.endpoints.Release
	}
}

func (idx *Index) load(ctx context.Context, kind CatalogKind) ([]VersionDescriptor, error) {
	if cached, ok := idx.catalogs[kind]; ok {
		return cached, nil
	}
	url := idx.catalogURL(kind)
	if url == "" {
		return nil, nil
	}

	var doc catalogDoc
	if err := idx.client.GetJSON(ctx, url, &doc); err != nil {
		return nil, restoreerr.Wrap(restoreerr.ManifestMissing, err, "fetch catalog "+url)
	}

	descs := make([]VersionDescriptor, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		descs = append(descs, VersionDescriptor{
			Model:   e.Model,
			Version: e.Version,
			Build:   e.Build,
			URL:     e.URL,
			Beta:    strings.Contains(e.Version, betaMarker),
		})
	}
	idx.catalogs[kind] = descs
	idx.log.Debug().Int("count", len(descs)).Str("catalog", url).Msg("loaded catalog")
	return descs, nil
}

func (idx *Index) loadFamily(ctx context.Context, family string) ([]VersionDescriptor, error) {
	if cached, ok := idx.families[family]; ok {
		return cached, nil
	}
	url := idx.endpoints.BetaByFamily[family]
	if url == "" {
		return nil, nil
	}

	var doc catalogDoc
	if err := idx.client.GetJSON(ctx, url, &doc); err != nil {
		return nil, restoreerr.Wrap(restoreerr.ManifestMissing, err, "fetch family beta catalog "+url)
	}
	descs := make([]VersionDescriptor, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		descs = append(descs, VersionDescriptor{Model: e.Model, Version: e.Version, Build: e.Build, URL: e.URL, Beta: true})
	}
	idx.families[family] = descs
	return descs, nil
}

// ListVersions returns every one of model's entries in kind, beta entries
// included, and no separate count; beta entries are marked by their Beta
// field and are excluded only by Resolve's default-latest selection.
func (idx *Index) ListVersions(ctx context.Context, model string, kind CatalogKind) ([]VersionDescriptor, error) {
	all, err := idx.load(ctx, kind)
	if err != nil {
		return nil, err
	}
	var out []VersionDescriptor
	for _, d := range all {
		if d.Model == model {
			out = append(out, d)
		}
	}
	return out, nil
}

// Selector picks one entry out of a model's catalog listing.
type Selector struct {
	// Latest selects the newest non-beta signed release (the zero value).
	Latest bool
	// Version pins an exact version string, e.g. "16.7.2".
	Version string
	// Build pins an exact build id, e.g. "20H115".
	Build string
	// Family is required when Build is set and kind is Beta, to drive the
	// secondary beta-by-OS-family fallback.
	Family string
}

// Resolve picks one VersionDescriptor for model out of kind according to
// sel, returning its download URL.
func (idx *Index) Resolve(ctx context.Context, model string, kind CatalogKind, sel Selector) (VersionDescriptor, error) {
	descs, err := idx.ListVersions(ctx, model, kind)
	if err != nil {
		return VersionDescriptor{}, err
	}

	switch {
	case sel.Version != "":
		for _, d := range descs {
			if d.Version == sel.Version {
				return d, nil
			}
		}
	case sel.Build != "":
		for _, d := range descs {
			if d.Build == sel.Build {
				return d, nil
			}
		}
		if kind == Beta && sel.Family != "" {
			fallback, err := idx.loadFamily(ctx, sel.Family)
			if err != nil {
				return VersionDescriptor{}, err
			}
			for _, d := range fallback {
				if d.Model == model && d.Build == sel.Build {
					return d, nil
				}
			}
		}
	default:
		var best *VersionDescriptor
		sawBetaOnly := len(descs) > 0
		for i := range descs {
			d := &descs[i]
			if d.Beta {
				continue
			}
			sawBetaOnly = false
			if best == nil || versionGreater(d.Version, best.Version) {
				best = d
			}
		}
		if best != nil {
			return *best, nil
		}
		if sawBetaOnly {
			return VersionDescriptor{}, restoreerr.New(restoreerr.NoSignedVersion,
				"every candidate for "+model+" is beta-only")
		}
	}

	return VersionDescriptor{}, restoreerr.New(restoreerr.NoSuchVersion,
		"no matching firmware version for "+model)
}

// FetchBuildManifest downloads only the manifest member of the archive at
// url (a partial ZIP read, never the whole archive) and parses it.
func (idx *Index) FetchBuildManifest(ctx context.Context, url string) (*Manifest, error) {
	raw, err := idx.client.ExtractZipEntry(ctx, url, "BuildManifest.plist")
	if err != nil {
		return nil, restoreerr.Wrap(restoreerr.DownloadFailed, err, "fetch build manifest from "+url)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, restoreerr.Wrap(restoreerr.ManifestMalformed, err, "parse build manifest from "+url)
	}
	return m, nil
}

// versionGreater reports whether a is a later dotted version string than
// b, comparing numerically component by component.
func versionGreater(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an = atoi(as[i])
		}
		if i < len(bs) {
			bn = atoi(bs[i])
		}
		if an != bn {
			return an > bn
		}
	}
	return false
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}
