package bootpatch_test

import (
	"os"
	"path/filepath"
	"testing"

	"futurecore/internal/bootpatch"
)

func TestApplyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ibss.bin")
	if err := os.WriteFile(path, []byte("HEADERsigcheckTRAILERsigcheckEND"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := bootpatch.ApplyFile(path, []bootpatch.Patch{
		{Name: "disable-sigcheck", Find: []byte("sigcheck"), Replace: []byte("nopcheck")},
	})
	if err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if res.Applied["disable-sigcheck"] != 2 {
		t.Fatalf("want 2 applications, got %d", res.Applied["disable-sigcheck"])
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "HEADERnopcheckTRAILERnopcheckEND"
	if string(out) != want {
		t.Fatalf("want %q, got %q", want, out)
	}
}

func TestApplyFileLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ibec.bin")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := bootpatch.ApplyFile(path, []bootpatch.Patch{
		{Name: "bad", Find: []byte("ab"), Replace: []byte("abc")},
	}); err == nil {
		t.Fatal("want error for mismatched find/replace length")
	}
}
