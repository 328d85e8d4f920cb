package hashtree

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
}

func TestHashBytes_KnownVector(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashBytes([]byte("abc")))
}

func TestHashFile_LargerThanChunk(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8)
	writeFile(t, dir, "big.bin", data)

	got, err := HashFile(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), got)
}

func TestHashFile_Missing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestBuild_RelativeSlashPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "capsule.json", []byte("{}"))
	writeFile(t, dir, "artifacts/x.f64", []byte{1, 2, 3})
	writeFile(t, dir, "artifacts/nested/deep.txt", []byte("deep"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty", "dir"), 0755))

	m, err := Build(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"artifacts/nested/deep.txt", "artifacts/x.f64", "capsule.json"}, m.Paths())
	assert.Equal(t, HashBytes([]byte("deep")), m["artifacts/nested/deep.txt"])
}

func TestBuild_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "real.txt", []byte("x"))
	if err := os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	m, err := Build(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, m.Paths())
}

func TestBuild_OrderIndependent(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	files := map[string]string{"z.txt": "z", "a/b.txt": "ab", "m.txt": "m"}

	for _, rel := range []string{"z.txt", "a/b.txt", "m.txt"} {
		writeFile(t, a, rel, []byte(files[rel]))
	}
	for _, rel := range []string{"m.txt", "a/b.txt", "z.txt"} {
		writeFile(t, b, rel, []byte(files[rel]))
	}

	ma, err := Build(a)
	require.NoError(t, err)
	mb, err := Build(b)
	require.NoError(t, err)
	assert.Equal(t, ma, mb)

	ea, err := ma.Encode()
	require.NoError(t, err)
	eb, err := mb.Encode()
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestBuild_EmptyDir(t *testing.T) {
	m, err := Build(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestBuild_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f", []byte("x"))
	_, err := Build(filepath.Join(dir, "f"))
	assert.Error(t, err)
}

func TestBuildExcluding(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", []byte("k"))
	writeFile(t, dir, "manifest.json", []byte("{}"))

	m, err := BuildExcluding(dir, "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, m.Paths())
}

func TestParse(t *testing.T) {
	m := Manifest{"b.txt": HashBytes([]byte("b")), "a.txt": HashBytes([]byte("a"))}
	data, err := m.Encode()
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = Parse([]byte(`["a"]`))
	assert.Error(t, err)
	_, err = Parse([]byte(`{"a":1}`))
	assert.Error(t, err)
}

func TestDigestChangesWithContent(t *testing.T) {
	m1 := Manifest{"a": HashBytes([]byte("1"))}
	m2 := Manifest{"a": HashBytes([]byte("2"))}
	d1, err := m1.Digest()
	require.NoError(t, err)
	d2, err := m2.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestValidDigest(t *testing.T) {
	assert.True(t, ValidDigest(HashBytes(nil)))
	assert.False(t, ValidDigest("abc"))
	assert.False(t, ValidDigest("BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"))
}

func TestCompare(t *testing.T) {
	a, b := HashBytes([]byte("a")), HashBytes([]byte("b"))
	recorded := Manifest{"same": a, "changed": a, "gone": a}
	actual := Manifest{"same": a, "changed": b, "extra": b}

	entries := Compare(recorded, actual)
	got := make(map[string]string, len(entries))
	var paths []string
	for _, e := range entries {
		got[e.Path] = e.Status()
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"changed", "extra", "gone", "same"}, paths)
	assert.Equal(t, map[string]string{
		"same":    "ok",
		"changed": "modified",
		"gone":    "missing",
		"extra":   "unrecorded",
	}, got)
}
