package firmware_test

import (
	"encoding/base64"
	"testing"

	"futurecore/firmware"
	"futurecore/ticket"
)

func buildManifestXML(t *testing.T, digest []byte) string {
	t.Helper()
	b64 := base64.StdEncoding.EncodeToString(digest)
	return `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>BuildIdentities</key>
	<array>
		<dict>
			<key>ApBoardID</key>
			<integer>14</integer>
			<key>Info</key>
			<dict>
				<key>DeviceClass</key>
				<string>iPhone15,2</string>
				<key>Variant</key>
				<string>Erase Install</string>
			</dict>
			<key>Manifest</key>
			<dict>
				<key>SEP</key>
				<dict>
					<key>Info</key>
					<dict>
						<key>Path</key>
						<string>Firmware/SEP.im4p</string>
						<key>Trusted</key>
						<true/>
					</dict>
					<key>Digest</key>
					<data>` + b64 + `</data>
				</dict>
			</dict>
		</dict>
	</array>
</dict>
</plist>`
}

func TestParseManifestAndSelect(t *testing.T) {
	digest := []byte{0xAA, 0xBB, 0xCC}
	raw := []byte(buildManifestXML(t, digest))

	m, err := firmware.ParseManifest(raw)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Identities) != 1 {
		t.Fatalf("want 1 identity, got %d", len(m.Identities))
	}

	bi := m.Identities[0]
	if bi.BoardID != 0x0E {
		t.Fatalf("want board id 0x0E, got %#x", bi.BoardID)
	}
	if bi.InstallKind != ticket.Erase {
		t.Fatalf("want Erase kind, got %v", bi.InstallKind)
	}
	sep, ok := bi.Components["SEP"]
	if !ok {
		t.Fatal("SEP component missing")
	}
	if sep.Path != "Firmware/SEP.im4p" || !sep.Trusted {
		t.Fatalf("unexpected SEP component: %+v", sep)
	}
	if string(sep.Digest) != string(digest) {
		t.Fatalf("digest mismatch: got %x want %x", sep.Digest, digest)
	}

	found, ok := m.Select(bi.BoardID, ticket.Erase)
	if !ok {
		t.Fatal("Select: expected a match")
	}
	if found.BoardID != bi.BoardID {
		t.Fatalf("Select returned wrong identity")
	}

	if _, ok := m.Select(bi.BoardID, ticket.Update); ok {
		t.Fatal("Select: expected no match for Update kind")
	}
}
