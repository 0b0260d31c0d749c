// Package ticket implements the Ticket Store: loading, parsing, and
// indexing per-device signing tickets.
package ticket

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"futurecore/internal/plist"
	"futurecore/internal/tagreader"
	"futurecore/restoreerr"
)

// InstallKind distinguishes an erase install from an update install, which
// changes how the ticket's updateInstall sub-dictionary is consumed.
type InstallKind int

const (
	Erase InstallKind = iota
	Update
)

// Ticket is one loaded signing ticket: its raw IM4M/APTicket payload plus
// the fields the Verifier and Orchestrator need pulled out of it.
type Ticket struct {
	Path          string
	IsImage4      bool
	RawIM4M       []byte
	ECID          uint64
	Nonce         []byte
	Generator     string // "" if absent
	RamdiskDigest []byte // legacy (SCAB) only
}

// Store owns the set of loaded tickets. Read-only after Load.
type Store struct {
	log     zerolog.Logger
	tickets []Ticket
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{log: log.With().Str("component", "ticket").Logger()}
}

// Load reads each path, parses it as a (possibly gzipped) property list,
// and appends the resulting Ticket in load order. Every failure is fatal
// to the whole call — a bundle with one bad ticket loads nothing.
func (s *Store) Load(paths []string, kind InstallKind) error {
	loaded := make([]Ticket, 0, len(paths))
	for _, path := range paths {
		t, err := loadOne(path, kind)
		if err != nil {
			return err
		}
		loaded = append(loaded, t)
	}
	s.tickets = loaded
	s.log.Info().Int("count", len(loaded)).Msg("loaded signing tickets")
	return nil
}

func loadOne(path string, kind InstallKind) (Ticket, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Ticket{}, restoreerr.Wrap(restoreerr.BadTicket, err, "read ticket file "+path)
	}

	d, err := plist.Decode(raw)
	if err != nil {
		return Ticket{}, restoreerr.Wrap(restoreerr.BadTicket, err, "parse ticket property list "+path)
	}

	if kind == Update {
		if sub, ok := plist.GetDict(d, "updateInstall"); ok {
			if gen, ok := plist.GetString(d, "generator"); ok {
				if _, hasOwn := plist.GetString(sub, "generator"); !hasOwn {
					sub["generator"] = gen
				}
			}
			d = sub
		}
	}

	t := Ticket{Path: path}

	if raw4, ok := plist.GetData(d, "ApImg4Ticket"); ok {
		t.IsImage4 = true
		t.RawIM4M = raw4
	} else if rawLegacy, ok := plist.GetData(d, "APTicket"); ok {
		t.IsImage4 = false
		t.RawIM4M = rawLegacy
	} else {
		return Ticket{}, restoreerr.New(restoreerr.BadTicket, "missing ApImg4Ticket/APTicket field in "+path)
	}

	if gen, ok := plist.GetString(d, "generator"); ok {
		if err := validateGenerator(gen); err != nil {
			return Ticket{}, restoreerr.Wrap(restoreerr.BadTicket, err, "generator field in "+path)
		}
		t.Generator = gen
	}

	if err := parseTagFields(&t); err != nil {
		return Ticket{}, restoreerr.Wrap(restoreerr.BadTicket, err, "parse IM4M/SCAB fields in "+path)
	}

	return t, nil
}

// validateGenerator enforces the generator invariant: a generator must be
// at least 18 characters ("0x" + 16 hex digits) and start with "0x".
func validateGenerator(gen string) error {
	if len(gen) < 18 || !strings.HasPrefix(gen, "0x") {
		return restoreerr.New(restoreerr.BadTicket, "generator must be \"0x\" followed by 16 hex digits")
	}
	return nil
}

func parseTagFields(t *Ticket) error {
	if t.IsImage4 {
		ecidVal, ok, err := tagreader.FindNamedPropertyRecursive(t.RawIM4M, "ECID")
		if err != nil {
			return err
		}
		if !ok {
			return restoreerr.New(restoreerr.BadTicket, "IM4M missing ECID tag")
		}
		t.ECID = tagreader.BigEndianUint64(ecidVal)

		nonceVal, ok, err := tagreader.FindNamedPropertyRecursive(t.RawIM4M, "BNCH")
		if err != nil {
			return err
		}
		if ok {
			t.Nonce = append([]byte(nil), nonceVal.Bytes...)
		}
		return nil
	}

	ecidVal, ok, err := tagreader.FindContextTag(t.RawIM4M, 0x01)
	if err != nil {
		return err
	}
	if !ok {
		return restoreerr.New(restoreerr.BadTicket, "SCAB missing ECID tag 0x81")
	}
	t.ECID = tagreader.BigEndianUint64(ecidVal)

	if nonceVal, ok, err := tagreader.FindContextTag(t.RawIM4M, 0x12); err != nil {
		return err
	} else if ok {
		t.Nonce = append([]byte(nil), nonceVal.Bytes...)
	}

	if digestVal, ok, err := tagreader.FindContextTag(t.RawIM4M, 0x1a); err != nil {
		return err
	} else if ok {
		t.RamdiskDigest = append([]byte(nil), digestVal.Bytes...)
	}
	return nil
}

// Tickets returns the loaded tickets in load order.
func (s *Store) Tickets() []Ticket {
	return s.tickets
}

// ForECID returns every loaded ticket whose ECID matches ecid.
func (s *Store) ForECID(ecid uint64) []Ticket {
	var out []Ticket
	for _, t := range s.tickets {
		if t.ECID == ecid {
			out = append(out, t)
		}
	}
	return out
}
