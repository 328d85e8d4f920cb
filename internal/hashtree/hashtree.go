// Package hashtree computes content manifests of directory trees.
package hashtree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/kokistudios/vireon/internal/canonical"
)

// ChunkSize is the read size used when streaming file contents into the
// hash. Memory use is bounded by it regardless of file size.
const ChunkSize = 1 << 20

// Manifest maps a slash-separated path, relative to the manifest root, to
// the lowercase hex SHA-256 of the file's contents.
type Manifest map[string]string

// HashFile streams path through SHA-256 in ChunkSize reads.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d := digest.SHA256.Digester()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(d.Hash(), onlyReader{f}, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return d.Digest().Encoded(), nil
}

// onlyReader hides *os.File's WriterTo so io.CopyBuffer honours buf.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	return digest.SHA256.FromBytes(b).Encoded()
}

// ValidDigest reports whether s is a well-formed lowercase hex SHA-256.
func ValidDigest(s string) bool {
	return digest.NewDigestFromEncoded(digest.SHA256, s).Validate() == nil
}

// Build walks every regular file under root and returns its manifest.
// Directories and symbolic links are not recorded, so empty directories
// contribute nothing. The result does not depend on the order in which the
// filesystem returns entries.
func Build(root string) (Manifest, error) {
	return BuildExcluding(root)
}

// BuildExcluding is Build with the given relative paths left out.
func BuildExcluding(root string, exclude ...string) (Manifest, error) {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[filepath.ToSlash(e)] = true
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	m := make(Manifest)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip[rel] {
			return nil
		}
		sum, err := HashFile(path)
		if err != nil {
			return err
		}
		m[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest for %s: %w", root, err)
	}
	return m, nil
}

// Paths returns the manifest's paths in ascending order.
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Value converts the manifest into a canonical object.
func (m Manifest) Value() canonical.Value {
	return canonical.StringMap(m)
}

// Encode returns the manifest's canonical JSON bytes.
func (m Manifest) Encode() ([]byte, error) {
	return canonical.Encode(m.Value())
}

// Digest is the hex SHA-256 of the manifest's canonical encoding.
func (m Manifest) Digest() (string, error) {
	return canonical.Hash(m.Value())
}

// Parse reads a manifest document. Every value must be a string; the
// digests themselves are not validated here.
func Parse(data []byte) (Manifest, error) {
	v, err := canonical.Decode(data)
	if err != nil {
		return nil, err
	}
	if v.Kind() != canonical.KindObject {
		return nil, fmt.Errorf("manifest must be a JSON object, got %s", v.Kind())
	}
	m := make(Manifest, v.Len())
	for _, k := range v.Keys() {
		f, _ := v.Get(k)
		s, ok := f.AsString()
		if !ok {
			return nil, fmt.Errorf("manifest entry %q: expected string digest, got %s", k, f.Kind())
		}
		m[k] = s
	}
	return m, nil
}

// Entry pairs a path's recorded digest with the digest found on disk.
// Either side is empty when the path is absent from it.
type Entry struct {
	Path     string
	Recorded string
	Actual   string
}

// Status describes how the two digests relate.
func (e Entry) Status() string {
	switch {
	case e.Recorded == "":
		return "unrecorded"
	case e.Actual == "":
		return "missing"
	case e.Recorded != e.Actual:
		return "modified"
	}
	return "ok"
}

// Compare lines up a recorded manifest against a freshly built one, in
// path order.
func Compare(recorded, actual Manifest) []Entry {
	union := make(Manifest, len(recorded)+len(actual))
	for p := range recorded {
		union[p] = ""
	}
	for p := range actual {
		union[p] = ""
	}
	entries := make([]Entry, 0, len(union))
	for _, p := range union.Paths() {
		entries = append(entries, Entry{Path: p, Recorded: recorded[p], Actual: actual[p]})
	}
	return entries
}
