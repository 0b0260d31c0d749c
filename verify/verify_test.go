package verify_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/rs/zerolog"

	"futurecore/device"
	"futurecore/firmware"
	"futurecore/ticket"
	"futurecore/verify"
)

func manifestWith(boardID uint32, kind ticket.InstallKind) *firmware.Manifest {
	return &firmware.Manifest{
		Identities: []firmware.BuildIdentity{
			{BoardID: boardID, InstallKind: kind, Components: map[string]firmware.ComponentInfo{}},
		},
	}
}

func TestVerifyRejectsWrongMode(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{})
	_, err := v.Verify(verify.Input{
		Mode: device.Normal,
	})
	if err == nil {
		t.Fatal("want error for Normal mode")
	}
}

func TestVerifySucceedsHappyPath(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{SetNonceOnly: true})
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	tk := ticket.Ticket{ECID: 42, Nonce: nonce, IsImage4: true}

	res, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 42, BoardID: 7, SupportsImage4: true},
		Mode:     device.Recovery,
		LiveAP:   nonce,
		Manifest: manifestWith(7, ticket.Erase),
		Kind:     ticket.Erase,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.BuildIdentity.BoardID != 7 {
		t.Fatalf("got board id %d", res.BuildIdentity.BoardID)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", res.Warnings)
	}
}

// TestVerifyGeneratorMatchHashesLittleEndianValue exercises the
// generator-hax nonce path: the live nonce is SHA384 over the
// generator's 64-bit value in its native little-endian byte layout, not
// over the textual hex digit order.
func TestVerifyGeneratorMatchHashesLittleEndianValue(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{SetNonceOnly: true})
	liveNonce, err := hex.DecodeString("b723cb5f2a0b11e944c240c0482754e94ed07576062754b9be9ae477aa97586ef699390f4bcc7eca33a7ae157f6aa490")
	if err != nil {
		t.Fatalf("decode expected nonce: %v", err)
	}
	bnch := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	tk := ticket.Ticket{ECID: 42, Nonce: bnch, Generator: "0xabcdef0123456789", IsImage4: true}

	res, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 42, BoardID: 7, SupportsImage4: true},
		Mode:     device.Recovery,
		LiveAP:   liveNonce,
		Manifest: manifestWith(7, ticket.Erase),
		Kind:     ticket.Erase,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.BuildIdentity.BoardID != 7 {
		t.Fatalf("got board id %d", res.BuildIdentity.BoardID)
	}
}

func TestVerifyECIDMismatchFatalByDefault(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{})
	tk := ticket.Ticket{ECID: 1}

	_, err := v.Verify(verify.Input{
		Tickets: []ticket.Ticket{tk},
		Device:  device.Info{ECID: 2},
		Mode:    device.Recovery,
	})
	if err == nil {
		t.Fatal("want TicketMismatchECID")
	}
}

func TestVerifySkipBlobDowngradesECIDMismatch(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{SkipBlob: true, SetNonceOnly: true})
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	tk := ticket.Ticket{ECID: 1, Nonce: nonce, IsImage4: true}

	res, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 2, BoardID: 7},
		Mode:     device.Recovery,
		LiveAP:   nonce,
		Manifest: manifestWith(7, ticket.Erase),
		Kind:     ticket.Erase,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != verify.WarnECIDMismatchIgnored {
		t.Fatalf("want ECID-mismatch warning, got %+v", res.Warnings)
	}
}

func TestVerifyNonceMismatchFatal(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{})
	tk := ticket.Ticket{ECID: 1, Nonce: []byte{1, 2, 3}}

	_, err := v.Verify(verify.Input{
		Tickets: []ticket.Ticket{tk},
		Device:  device.Info{ECID: 1},
		Mode:    device.Recovery,
		LiveAP:  []byte{9, 9, 9},
	})
	if err == nil {
		t.Fatal("want TicketMismatchNonce")
	}
}

func TestVerifyInstallKindFallbackWarns(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{SetNonceOnly: true})
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	tk := ticket.Ticket{ECID: 1, Nonce: nonce, IsImage4: true}

	res, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 1, BoardID: 7},
		Mode:     device.Recovery,
		LiveAP:   nonce,
		Manifest: manifestWith(7, ticket.Update), // only an Update identity exists
		Kind:     ticket.Erase,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != verify.WarnInstallKindFallback {
		t.Fatalf("want install-kind fallback warning, got %+v", res.Warnings)
	}
}

func TestVerifyLegacyRamdiskDigestMatch(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{SetNonceOnly: true})
	digest := []byte{0xAA, 0xBB}
	tk := ticket.Ticket{ECID: 1, RamdiskDigest: digest, IsImage4: false}

	m := &firmware.Manifest{Identities: []firmware.BuildIdentity{
		{BoardID: 7, InstallKind: ticket.Erase, Components: map[string]firmware.ComponentInfo{
			"RestoreRamDisk": {Digest: digest},
		}},
	}}

	_, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 1, BoardID: 7},
		Mode:     device.Recovery,
		Manifest: m,
		Kind:     ticket.Erase,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyReturnsSEPComponentForDigestCheck(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{})
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	tk := ticket.Ticket{ECID: 1, Nonce: nonce, IsImage4: true}
	sepDigest := []byte{0xCA, 0xFE}

	sep := &firmware.Manifest{Identities: []firmware.BuildIdentity{
		{BoardID: 7, InstallKind: ticket.Erase, Components: map[string]firmware.ComponentInfo{
			"SEP": {Digest: sepDigest},
		}},
	}}

	res, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 1, BoardID: 7, SupportsImage4: true},
		Mode:     device.Recovery,
		LiveAP:   nonce,
		Manifest: manifestWith(7, ticket.Erase),
		SEP:      sep,
		Kind:     ticket.Erase,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.SEPComponent == nil || !bytes.Equal(res.SEPComponent.Digest, sepDigest) {
		t.Fatalf("want SEPComponent with digest %x, got %+v", sepDigest, res.SEPComponent)
	}
}

func TestVerifyFatalWhenSEPManifestHasNoSEPComponent(t *testing.T) {
	v := verify.NewVerifier(zerolog.Nop(), verify.Options{})
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	tk := ticket.Ticket{ECID: 1, Nonce: nonce, IsImage4: true}

	_, err := v.Verify(verify.Input{
		Tickets:  []ticket.Ticket{tk},
		Device:   device.Info{ECID: 1, BoardID: 7, SupportsImage4: true},
		Mode:     device.Recovery,
		LiveAP:   nonce,
		Manifest: manifestWith(7, ticket.Erase),
		SEP:      manifestWith(7, ticket.Erase), // no SEP component
		Kind:     ticket.Erase,
	})
	if err == nil {
		t.Fatal("want error when SEP manifest identity has no SEP component")
	}
}

// TestVerifySEPDigestSHA1AndSHA384 exercises the post-materialization SEP
// digest check: the device selects SHA-1 or SHA-384 by the manifest
// digest's own byte length, and hashes the actually-downloaded SEP bytes.
func TestVerifySEPDigestSHA1AndSHA384(t *testing.T) {
	data := []byte("sep-firmware-bytes")
	sha1Digest, err := hex.DecodeString("8dc325c6f129744bed99c4647a635e86751728df")
	if err != nil {
		t.Fatalf("decode sha1 fixture: %v", err)
	}
	sha384Digest, err := hex.DecodeString("bc7727d3a80fe20c431202d1d64751c6b62207ce653ffe594627b4c79a9b91dcf5ec766f5d4ef9098bde735c653ab01a")
	if err != nil {
		t.Fatalf("decode sha384 fixture: %v", err)
	}

	if err := verify.VerifySEPDigest(firmware.ComponentInfo{Digest: sha1Digest}, data); err != nil {
		t.Fatalf("want SHA-1 digest to match, got %v", err)
	}
	if err := verify.VerifySEPDigest(firmware.ComponentInfo{Digest: sha384Digest}, data); err != nil {
		t.Fatalf("want SHA-384 digest to match, got %v", err)
	}
	if err := verify.VerifySEPDigest(firmware.ComponentInfo{Digest: sha1Digest}, []byte("wrong bytes")); err == nil {
		t.Fatal("want mismatch error for wrong SEP bytes")
	}
	if err := verify.VerifySEPDigest(firmware.ComponentInfo{Digest: []byte{0x01, 0x02}}, data); err == nil {
		t.Fatal("want error for unrecognized digest length")
	}
}

func TestIsIgnoredForRetry(t *testing.T) {
	if !verify.IsIgnoredForRetry("RestoreRamDisk") {
		t.Fatal("RestoreRamDisk should be in the ignore set")
	}
	if verify.IsIgnoredForRetry("SEP") {
		t.Fatal("SEP should not be in the ignore set")
	}
}
