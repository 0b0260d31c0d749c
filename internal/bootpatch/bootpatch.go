// Package bootpatch byte-pattern-patches first/second-stage bootloader
// images (iBSS/iBEC) for the patched-DFU restore path.
//
// Adapted from patch.go's HexPatch: same mmap + linear scan-and-replace
// core, generalized from "one user-supplied hex pattern" to "apply a
// named table of patches for a chip family".
package bootpatch

import (
	"bytes"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Patch is one find/replace byte pattern. Replace must be the same length
// as Find — this is an in-place mmap patch, not a resizing edit.
type Patch struct {
	Name    string
	Find    []byte
	Replace []byte
}

// Result reports how many times each named patch was applied.
type Result struct {
	Applied map[string]int
}

// ApplyFile mmaps path read-write and applies every patch in table,
// scanning once per patch. Returns the count of replacements per patch
// name; a patch with zero applications is not an error — not every
// bootloader build contains every known signature-check site.
func ApplyFile(path string, table []Patch) (Result, error) {
	for _, p := range table {
		if len(p.Find) != len(p.Replace) {
			return Result{}, errors.Errorf("bootpatch: patch %q: find/replace length mismatch (%d vs %d)", p.Name, len(p.Find), len(p.Replace))
		}
	}

	fd, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return Result{}, errors.Wrapf(err, "bootpatch: open %s", path)
	}
	defer fd.Close()

	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		return Result{}, errors.Wrapf(err, "bootpatch: mmap %s", path)
	}
	defer m.Unmap()

	res := Result{Applied: make(map[string]int, len(table))}
	for _, p := range table {
		res.Applied[p.Name] = applyOne(m, p)
	}
	return res, nil
}

func applyOne(m mmap.MMap, p Patch) int {
	count := 0
	if len(p.Find) == 0 {
		return 0
	}
	for i := 0; i+len(p.Find) <= len(m); i++ {
		if m[i] != p.Find[0] {
			continue
		}
		if bytes.Equal(m[i:i+len(p.Find)], p.Find) {
			copy(m[i:], p.Replace)
			count++
			i += len(p.Find) - 1
		}
	}
	return count
}
