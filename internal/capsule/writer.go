package capsule

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	cp "github.com/otiai10/copy"

	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/hashtree"
)

// ErrCapsuleExists is returned when the output directory already holds a
// sealed capsule and overwriting was not requested.
var ErrCapsuleExists = errors.New("capsule already exists")

// ErrNotCapsule is returned when the output directory already holds files
// that do not belong to a capsule. Such a directory is never replaced.
var ErrNotCapsule = errors.New("output directory is not a capsule")

// PartialWriteError reports staging directories left behind by a write
// that never completed (or one still running).
type PartialWriteError struct {
	Root    string
	Staging []string
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("incomplete capsule write detected for %s: %s (remove them or write with clean enabled)",
		e.Root, strings.Join(e.Staging, ", "))
}

// WriteOptions controls Write.
type WriteOptions struct {
	// Claim, when non-nil, is copied verbatim to claim.json.
	Claim []byte

	// Files are written under artifacts/, keyed by path relative to it.
	Files map[string][]byte

	// Copy maps a destination under artifacts/ to a source file or
	// directory on disk.
	Copy map[string]string

	// Overwrite replaces an existing sealed capsule at the output root.
	Overwrite bool

	// Clean removes staging directories left by earlier failed writes
	// instead of refusing to write.
	Clean bool

	Logger *log.Logger
}

// WriteResult describes a sealed capsule.
type WriteResult struct {
	Root          string
	CapsuleSHA256 string
	Manifest      hashtree.Manifest
}

const (
	partialMarker = ".partial-"
	oldMarker     = ".old-"
)

// Write seals c into a capsule directory at root.
//
// The directory is assembled in a hidden staging sibling and renamed into
// place once complete, so readers never observe a half-written capsule.
// An artifacts/ directory already present at root is carried into the new
// capsule. Write must not be called concurrently for the same root.
func Write(root string, c Capsule, opts WriteOptions) (*WriteResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	root = filepath.Clean(root)
	parent, base := filepath.Dir(root), filepath.Base(root)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", parent, err)
	}

	leftovers, err := stagingDirs(parent, base)
	if err != nil {
		return nil, err
	}
	if len(leftovers) > 0 {
		if !opts.Clean {
			return nil, &PartialWriteError{Root: root, Staging: leftovers}
		}
		for _, l := range leftovers {
			logger.Warn("removing incomplete capsule write", "path", l)
			if err := os.RemoveAll(l); err != nil {
				return nil, fmt.Errorf("failed to remove %s: %w", l, err)
			}
		}
	}

	existing := false
	if info, err := os.Stat(root); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("%s exists and is not a directory", root)
		}
		existing = true
		if Exists(root) {
			if !opts.Overwrite {
				return nil, fmt.Errorf("%w at %s", ErrCapsuleExists, root)
			}
		} else if err := checkForeign(root); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	staging := filepath.Join(parent, "."+base+partialMarker+uuid.NewString())
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	res, err := assemble(staging, root, existing, c, opts, logger)
	if err != nil {
		return nil, err
	}

	if err := swap(staging, root, existing); err != nil {
		return nil, err
	}
	committed = true
	res.Root = root

	logger.Info("capsule sealed", "root", root, "sha256", res.CapsuleSHA256, "files", len(res.Manifest))
	return res, nil
}

func assemble(staging, root string, existing bool, c Capsule, opts WriteOptions, logger *log.Logger) (*WriteResult, error) {
	artifacts := filepath.Join(staging, ArtifactsDir)
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	if existing {
		prev := filepath.Join(root, ArtifactsDir)
		if info, err := os.Stat(prev); err == nil && info.IsDir() {
			if err := cp.Copy(prev, artifacts); err != nil {
				return nil, fmt.Errorf("failed to carry over artifacts: %w", err)
			}
		}
	}

	for name, data := range opts.Files {
		dst, err := artifactPath(artifacts, name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for artifact %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write artifact %s: %w", name, err)
		}
	}
	for name, src := range opts.Copy {
		dst, err := artifactPath(artifacts, name)
		if err != nil {
			return nil, err
		}
		if err := cp.Copy(src, dst); err != nil {
			return nil, fmt.Errorf("failed to copy artifact %s from %s: %w", name, src, err)
		}
	}

	capsuleJSON, err := c.Encode()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, CapsuleFile), capsuleJSON, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", CapsuleFile, err)
	}

	if opts.Claim != nil {
		if err := os.WriteFile(filepath.Join(staging, ClaimFile), opts.Claim, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", ClaimFile, err)
		}
	}

	manifest, err := hashtree.Build(staging)
	if err != nil {
		return nil, err
	}
	manifestJSON, err := manifest.Encode()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, ManifestFile), manifestJSON, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", ManifestFile, err)
	}

	lock := canonical.SumHex(capsuleJSON)
	if err := os.WriteFile(filepath.Join(staging, LockFile), []byte(lock+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", LockFile, err)
	}

	for _, name := range c.ArtifactNames() {
		if _, ok := manifest[c.Artifacts[name]]; !ok {
			logger.Warn("artifact referenced by capsule is not in the capsule directory", "name", name, "path", c.Artifacts[name])
		}
	}

	return &WriteResult{CapsuleSHA256: lock, Manifest: manifest}, nil
}

// Exists reports whether root already holds a capsule document.
func Exists(root string) bool {
	_, err := os.Stat(filepath.Join(root, CapsuleFile))
	return err == nil
}

// checkForeign rejects an existing directory that is not a capsule and
// holds anything other than pre-placed artifacts, since sealing replaces
// the directory.
func checkForeign(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", root, err)
	}
	for _, e := range entries {
		if e.Name() != ArtifactsDir {
			return fmt.Errorf("%w: %s contains %s", ErrNotCapsule, root, e.Name())
		}
	}
	return nil
}

// swap moves the staging directory into place, replacing any existing root.
func swap(staging, root string, existing bool) error {
	if !existing {
		if err := os.Rename(staging, root); err != nil {
			return fmt.Errorf("failed to move capsule into place: %w", err)
		}
		return nil
	}

	old := filepath.Join(filepath.Dir(root), "."+filepath.Base(root)+oldMarker+uuid.NewString())
	if err := os.Rename(root, old); err != nil {
		return fmt.Errorf("failed to move previous capsule aside: %w", err)
	}
	if err := os.Rename(staging, root); err != nil {
		if rerr := os.Rename(old, root); rerr != nil {
			return fmt.Errorf("failed to move capsule into place: %w (previous capsule left at %s)", err, old)
		}
		return fmt.Errorf("failed to move capsule into place: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("capsule written but previous copy could not be removed from %s: %w", old, err)
	}
	return nil
}

// stagingDirs lists leftover staging siblings for base under parent.
func stagingDirs(parent, base string) ([]string, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", parent, err)
	}
	prefix := "." + base + partialMarker
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(parent, e.Name()))
		}
	}
	return out, nil
}

// artifactPath resolves name under dir, rejecting names that escape it.
func artifactPath(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact path %q", name)
	}
	return filepath.Join(dir, clean), nil
}
