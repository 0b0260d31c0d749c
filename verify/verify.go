// Package verify implements the Compatibility Verifier: the five gates
// that must all pass before the Orchestrator is allowed to drive a
// device into Restore.
package verify

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha512"

	"github.com/rs/zerolog"

	"futurecore/device"
	"futurecore/firmware"
	"futurecore/ticket"

	"futurecore/restoreerr"
)

// WarningKind names a non-fatal condition surfaced on a successful Result.
type WarningKind int

const (
	// WarnIM4MSignatureInvalid names an IM4M whose own signature could not
	// be confirmed. Verify performs no IM4M signature check, so no code
	// path in this package emits it.
	WarnIM4MSignatureInvalid WarningKind = iota
	// WarnInstallKindFallback fires when no BuildIdentity matched the
	// requested install kind and the opposite kind's identity was used
	// instead.
	WarnInstallKindFallback
	// WarnECIDMismatchIgnored fires when no loaded ticket matched the
	// device's ECID and SkipBlob let Verify continue with the first
	// loaded ticket.
	WarnECIDMismatchIgnored
)

// Warning is one non-fatal condition collected on a successful Result.
type Warning struct {
	Kind    WarningKind
	Message string
}

// Options tunes which of the five gates are strict vs. best-effort.
type Options struct {
	// SkipBlob downgrades gate 2 (ECID match) from fatal to a warning.
	SkipBlob bool
	// PatchedDFU requests gate 1 accept DFU mode instead of requiring
	// Recovery, for the patched-DFU restore path.
	PatchedDFU bool
	// NoIBSS further relaxes gate 1 to accept DFU when the caller manages
	// the first-stage bootloader manually.
	NoIBSS bool
	// StrictIM4MSignature is accepted but not consulted: Verify performs
	// no IM4M signature check, so it never yields either a Warning or a
	// TicketMismatchIdentity for a signature.
	StrictIM4MSignature bool
	// SetNonceOnly skips gate 5 (SEP coherence), matching the original's
	// "set nonce and exit" shortcut which never touches the SEP.
	SetNonceOnly bool
}

// Result is what a successful Verify call returns: the chosen ticket and
// build identity, plus any non-fatal warnings collected along the way.
// SEPComponent is non-nil when gate 5 selected a SEP identity to check
// coherence against; the caller still owes a VerifySEPDigest call once
// the SEP firmware bytes it names have been downloaded, since Verify
// runs before the Component Cache fetches anything.
type Result struct {
	Ticket        ticket.Ticket
	BuildIdentity firmware.BuildIdentity
	Warnings      []Warning
	SEPComponent  *firmware.ComponentInfo
}

// Input bundles everything the five gates read.
type Input struct {
	Tickets  []ticket.Ticket
	Device   device.Info
	Mode     device.Mode
	LiveAP   []byte // live_ap_nonce(), Recovery only
	Manifest *firmware.Manifest
	SEP      *firmware.Manifest // nil unless checking SEP coherence
	Kind     ticket.InstallKind
}

// ignoreRamdiskAndTrustCache is the gate-4 ignore-set, exposed through
// IsIgnoredForRetry; gateBuildIdentity itself does not consult it.
var ignoreRamdiskAndTrustCache = map[string]bool{
	"RestoreRamDisk":     true,
	"RestoreTrustCache":  true,
}

// Verifier runs the five gates against a single Input.
type Verifier struct {
	log  zerolog.Logger
	opts Options
}

func NewVerifier(log zerolog.Logger, opts Options) *Verifier {
	return &Verifier{log: log.With().Str("component", "verify").Logger(), opts: opts}
}

// Verify runs all five gates in order, short-circuiting on the first fatal
// failure.
func (v *Verifier) Verify(in Input) (Result, error) {
	if err := v.gateMode(in.Mode); err != nil {
		return Result{}, err
	}

	var warnings []Warning

	t, err := v.gateECID(in)
	if err != nil {
		return Result{}, err
	}
	if t == nil {
		// SkipBlob degraded the failure to a warning; fall back to the
		// first loaded ticket so the remaining gates have something to
		// check against.
		if len(in.Tickets) == 0 {
			return Result{}, restoreerr.New(restoreerr.BadTicket, "no tickets loaded")
		}
		first := in.Tickets[0]
		t = &first
		warnings = append(warnings, Warning{Kind: WarnECIDMismatchIgnored, Message: "ECID mismatch ignored (skip-blob)"})
	}

	if err := v.gateNonce(in, *t); err != nil {
		return Result{}, err
	}

	bi, kindWarn, err := v.gateBuildIdentity(in, *t)
	if err != nil {
		return Result{}, err
	}
	if kindWarn {
		warnings = append(warnings, Warning{Kind: WarnInstallKindFallback, Message: "no BuildIdentity matched the requested install kind; used the opposite kind"})
	}

	var sepComponent *firmware.ComponentInfo
	if !v.opts.SetNonceOnly && in.Device.SupportsImage4 && in.SEP != nil {
		sc, err := v.gateSEPCoherence(in)
		if err != nil {
			return Result{}, err
		}
		sepComponent = sc
	}

	return Result{Ticket: *t, BuildIdentity: bi, Warnings: warnings, SEPComponent: sepComponent}, nil
}

// gateMode is check 1: the device must be in Recovery, or in DFU when the
// caller explicitly requested the patched-DFU or no-IBSS path.
func (v *Verifier) gateMode(mode device.Mode) error {
	switch mode {
	case device.Recovery:
		return nil
	case device.DFU:
		if v.opts.PatchedDFU || v.opts.NoIBSS {
			return nil
		}
	}
	return restoreerr.New(restoreerr.UnexpectedMode, "device must be in Recovery (or DFU for patched-DFU/no-IBSS) to verify")
}

// gateECID is check 2. Returns nil, nil when SkipBlob degrades a mismatch
// to a warning, so the caller knows to fall back to a default ticket.
func (v *Verifier) gateECID(in Input) (*ticket.Ticket, error) {
	for i := range in.Tickets {
		if in.Tickets[i].ECID == in.Device.ECID {
			return &in.Tickets[i], nil
		}
	}
	if v.opts.SkipBlob {
		v.log.Warn().Uint64("ecid", in.Device.ECID).Msg("no ticket matches device ECID, continuing (skip-blob)")
		return nil, nil
	}
	return nil, restoreerr.New(restoreerr.TicketMismatchECID, "no loaded ticket matches the device's ECID")
}

// gateNonce is check 3: live AP nonce must equal the ticket's nonce, or
// the ticket's generator must hash to it.
func (v *Verifier) gateNonce(in Input, t ticket.Ticket) error {
	if in.Mode != device.Recovery {
		// Outside Recovery (the DFU paths) there is no live AP nonce to
		// compare, so this gate passes without a check; the Orchestrator
		// does not program the generator or run this gate again after the
		// patched-DFU detour.
		return nil
	}
	if bytes.Equal(in.LiveAP, t.Nonce) {
		return nil
	}
	if t.Generator != "" && generatorMatches(t.Generator, in.LiveAP) {
		return nil
	}
	return restoreerr.New(restoreerr.TicketMismatchNonce, "live AP nonce does not match ticket nonce or generator")
}

// generatorMatches hashes the little-endian 8-byte representation of
// generator's 64-bit value under the algorithm selected by the live
// nonce's length (SHA-1 for 20-byte nonces, SHA-384 for 48-byte nonces,
// taking the leading bytes) and compares to liveNonce. The device parses
// the generator as a uint64 and hashes its native (little-endian) memory
// layout, not the textual hex byte order, so the decoded bytes are
// reversed before hashing.
func generatorMatches(generator string, liveNonce []byte) bool {
	hex := []byte(generator)[2:] // strip "0x"
	raw := make([]byte, 8)
	if _, err := decodeHex(hex, raw); err != nil {
		return false
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}

	switch len(liveNonce) {
	case 20:
		sum := sha1.Sum(raw)
		return bytes.Equal(sum[:20], liveNonce)
	case 48:
		sum := sha512.Sum384(raw)
		return bytes.Equal(sum[:48], liveNonce)
	default:
		return false
	}
}

func decodeHex(src, dst []byte) (int, error) {
	hexVal := func(b byte) (byte, bool) {
		switch {
		case b >= '0' && b <= '9':
			return b - '0', true
		case b >= 'a' && b <= 'f':
			return b - 'a' + 10, true
		case b >= 'A' && b <= 'F':
			return b - 'A' + 10, true
		default:
			return 0, false
		}
	}
	n := 0
	for i := 0; i+1 < len(src) && n < len(dst); i += 2 {
		hi, ok1 := hexVal(src[i])
		lo, ok2 := hexVal(src[i+1])
		if !ok1 || !ok2 {
			return n, restoreerr.New(restoreerr.BadTicket, "generator is not valid hex")
		}
		dst[n] = hi<<4 | lo
		n++
	}
	return n, nil
}

// gateBuildIdentity is check 4: for an image4 ticket, select the unique
// BuildIdentity for the device's board id and requested install kind,
// falling back to the opposite kind. Per-component digests are not compared
// against the ticket, so there is no ignore-set retry. Legacy tickets go
// through gateLegacyRamdisk's ramdisk-digest check instead.
func (v *Verifier) gateBuildIdentity(in Input, t ticket.Ticket) (firmware.BuildIdentity, bool, error) {
	if !t.IsImage4 {
		return v.gateLegacyRamdisk(in, t)
	}

	bi, ok := in.Manifest.Select(in.Device.BoardID, in.Kind)
	kindWarn := false
	if !ok {
		opposite := ticket.Erase
		if in.Kind == ticket.Erase {
			opposite = ticket.Update
		}
		bi, ok = in.Manifest.Select(in.Device.BoardID, opposite)
		kindWarn = ok
	}
	if !ok {
		return firmware.BuildIdentity{}, false, restoreerr.New(restoreerr.TicketMismatchIdentity, "no BuildIdentity matches this device's board id")
	}
	return bi, kindWarn, nil
}

func (v *Verifier) gateLegacyRamdisk(in Input, t ticket.Ticket) (firmware.BuildIdentity, bool, error) {
	bi, ok := in.Manifest.Select(in.Device.BoardID, in.Kind)
	if !ok {
		return firmware.BuildIdentity{}, false, restoreerr.New(restoreerr.TicketMismatchIdentity, "no BuildIdentity matches this device's board id")
	}
	ramdisk, ok := bi.Components["RestoreRamDisk"]
	if !ok {
		return firmware.BuildIdentity{}, false, restoreerr.New(restoreerr.TicketMismatchIdentity, "selected BuildIdentity has no RestoreRamDisk component")
	}
	if !bytes.Equal(ramdisk.Digest, t.RamdiskDigest) {
		return firmware.BuildIdentity{}, false, restoreerr.New(restoreerr.TicketMismatchIdentity, "RestoreRamDisk digest does not match ticket's ramdisk digest")
	}
	return bi, false, nil
}

// gateSEPCoherence is check 5 (image4 only): selects the SEP component
// from the identity matching this device's (board, install-kind) in the
// SEP manifest. The digest comparison can't happen here since the SEP
// firmware hasn't been downloaded yet at this point in the sequence, so
// this only confirms a SEP component exists and hands it back for
// VerifySEPDigest to check once the Component Cache has materialized it.
func (v *Verifier) gateSEPCoherence(in Input) (*firmware.ComponentInfo, error) {
	sepBI, ok := in.SEP.Select(in.Device.BoardID, in.Kind)
	if !ok {
		return nil, restoreerr.New(restoreerr.TicketMismatchIdentity, "no SEP BuildIdentity matches this device's board id")
	}
	sep, ok := sepBI.Components["SEP"]
	if !ok {
		return nil, restoreerr.New(restoreerr.TicketMismatchIdentity, "SEP manifest identity has no SEP component")
	}
	return &sep, nil
}

// VerifySEPDigest is the digest half of check 5: once the Component Cache
// has downloaded the SEP firmware named by sep, its bytes must hash to
// sep.Digest. The device selects SHA-1 or SHA-384 by the digest's own
// byte length, not by chip family.
func VerifySEPDigest(sep firmware.ComponentInfo, data []byte) error {
	switch len(sep.Digest) {
	case sha1.Size:
		sum := sha1.Sum(data)
		if !bytes.Equal(sum[:], sep.Digest) {
			return restoreerr.New(restoreerr.TicketMismatchIdentity, "SEP firmware digest does not match manifest (SHA-1)")
		}
	case sha512.Size384:
		sum := sha512.Sum384(data)
		if !bytes.Equal(sum[:], sep.Digest) {
			return restoreerr.New(restoreerr.TicketMismatchIdentity, "SEP firmware digest does not match manifest (SHA-384)")
		}
	default:
		return restoreerr.New(restoreerr.TicketMismatchIdentity, "SEP manifest digest has an unrecognized length")
	}
	return nil
}

// IsIgnoredForRetry reports whether componentName is in the gate-4 retry
// ignore-set.
func IsIgnoredForRetry(componentName string) bool {
	return ignoreRamdiskAndTrustCache[componentName]
}
