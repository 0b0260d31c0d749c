package firmware

import (
	"strings"

	"github.com/pkg/errors"

	"futurecore/internal/plist"
	"futurecore/ticket"
)

// ComponentInfo is one entry of a BuildIdentity's Manifest dictionary: the
// archive path, digest, and flags for a single named component.
type ComponentInfo struct {
	Path    string
	Digest  []byte
	Trusted bool
}

// BuildIdentity is one entry of a Manifest, selected by (board id,
// install kind).
type BuildIdentity struct {
	BoardID     uint32
	InstallKind ticket.InstallKind
	Components  map[string]ComponentInfo
}

// Manifest is a parsed build manifest: a property list with a top-level
// array of BuildIdentities.
type Manifest struct {
	Raw         []byte
	Identities  []BuildIdentity
}

// ParseManifest decodes raw (an XML or binary property list, optionally
// gzipped) into a Manifest.
func ParseManifest(raw []byte) (*Manifest, error) {
	d, err := plist.Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "firmware: decode build manifest")
	}

	arr, ok := plist.GetArray(d, "BuildIdentities")
	if !ok {
		return nil, errors.New("firmware: manifest missing BuildIdentities")
	}

	m := &Manifest{Raw: raw}
	for i, v := range arr {
		entry, ok := v.(plist.Dict)
		if !ok {
			return nil, errors.Errorf("firmware: BuildIdentities[%d] is not a dict", i)
		}
		bi, err := parseBuildIdentity(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "firmware: BuildIdentities[%d]", i)
		}
		m.Identities = append(m.Identities, bi)
	}
	return m, nil
}

func parseBuildIdentity(entry plist.Dict) (BuildIdentity, error) {
	boardID, ok := plist.GetInt(entry, "ApBoardID")
	if !ok {
		return BuildIdentity{}, errors.New("missing ApBoardID")
	}

	info, ok := plist.GetDict(entry, "Info")
	if !ok {
		return BuildIdentity{}, errors.New("missing Info dict")
	}

	variant, _ := plist.GetString(info, "Variant")
	kind := ticket.Erase
	if strings.Contains(variant, "Update") {
		kind = ticket.Update
	}

	manifestDict, ok := plist.GetDict(entry, "Manifest")
	if !ok {
		return BuildIdentity{}, errors.New("missing Manifest dict")
	}

	components := make(map[string]ComponentInfo, len(manifestDict))
	for name, v := range manifestDict {
		compDict, ok := v.(plist.Dict)
		if !ok {
			continue
		}
		ci := ComponentInfo{}
		if infoSub, ok := plist.GetDict(compDict, "Info"); ok {
			if path, ok := plist.GetString(infoSub, "Path"); ok {
				ci.Path = path
			}
			if trusted, ok := infoSub["Trusted"].(bool); ok {
				ci.Trusted = trusted
			}
		}
		if digest, ok := plist.GetData(compDict, "Digest"); ok {
			ci.Digest = digest
		}
		components[name] = ci
	}

	return BuildIdentity{
		BoardID:     uint32(boardID),
		InstallKind: kind,
		Components:  components,
	}, nil
}

// Select returns the unique BuildIdentity matching (boardID, kind), or
// false if none (or more than one) matches.
func (m *Manifest) Select(boardID uint32, kind ticket.InstallKind) (BuildIdentity, bool) {
	var match *BuildIdentity
	for i := range m.Identities {
		bi := &m.Identities[i]
		if bi.BoardID == boardID && bi.InstallKind == kind {
			if match != nil {
				return BuildIdentity{}, false
			}
			match = bi
		}
	}
	if match == nil {
		return BuildIdentity{}, false
	}
	return *match, true
}
