package capsule

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wI2L/jsondiff"
)

// Diff compares two capsule documents and returns the JSON Patch that
// turns a into b. Identical documents yield an empty patch.
func Diff(a, b []byte) (jsondiff.Patch, error) {
	patch, err := jsondiff.CompareJSON(a, b, jsondiff.Factorize())
	if err != nil {
		return nil, fmt.Errorf("failed to compare capsule documents: %w", err)
	}
	return patch, nil
}

// DiffDirs compares the capsule.json documents of two capsule directories.
func DiffDirs(aDir, bDir string) (jsondiff.Patch, error) {
	a, err := os.ReadFile(filepath.Join(aDir, CapsuleFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read capsule: %w", err)
	}
	b, err := os.ReadFile(filepath.Join(bDir, CapsuleFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read capsule: %w", err)
	}
	return Diff(a, b)
}
