package bundle

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/vireon/internal/capsule"
)

// Ext is the file extension of a capsule bundle.
const Ext = ".vcap"

const (
	manifestName  = "bundle.yaml"
	capsulePrefix = "capsule/"
)

// Manifest describes the contents of a .vcap bundle.
type Manifest struct {
	Version       string    `yaml:"version"`
	PackedAt      time.Time `yaml:"packed_at"`
	CapsuleSHA256 string    `yaml:"capsule_sha256"`
	Domain        string    `yaml:"domain,omitempty"`
	Files         []string  `yaml:"files"`
}

// BundlePath resolves the archive path Pack writes for the capsule at
// root: out itself, out/<name>.vcap when out is a directory, or
// <name>.vcap when out is empty.
func BundlePath(root, out string) string {
	name := filepath.Base(filepath.Clean(root)) + Ext
	if out == "" {
		return name
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, name)
	}
	if !strings.HasSuffix(out, Ext) {
		return out + Ext
	}
	return out
}

// Pack archives the capsule directory at root into a gzipped tarball.
// The bundle manifest is written first so ReadManifest stops early.
func Pack(root, out string) (*Manifest, string, error) {
	lock, err := os.ReadFile(filepath.Join(root, capsule.LockFile))
	if err != nil {
		return nil, "", fmt.Errorf("%s is not a sealed capsule: %w", root, err)
	}
	capsuleJSON, err := os.ReadFile(filepath.Join(root, capsule.CapsuleFile))
	if err != nil {
		return nil, "", fmt.Errorf("%s is not a sealed capsule: %w", root, err)
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to walk capsule directory: %w", err)
	}

	manifest := &Manifest{
		Version:       "1",
		PackedAt:      time.Now().UTC(),
		CapsuleSHA256: strings.TrimSpace(string(lock)),
		Files:         files,
	}
	if c, err := capsule.Parse(capsuleJSON); err == nil {
		manifest.Domain = c.Spec.Domain
	}

	outputPath := BundlePath(root, out)
	outFile, err := os.Create(outputPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if err := writeArchive(outFile, root, manifest); err != nil {
		os.Remove(outputPath)
		return nil, "", err
	}
	if err := outFile.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close bundle: %w", err)
	}
	return manifest, outputPath, nil
}

func writeArchive(w io.Writer, root string, manifest *Manifest) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifestData, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestName,
		Typeflag: tar.TypeReg,
		Size:     int64(len(manifestData)),
		Mode:     0644,
		ModTime:  manifest.PackedAt,
	}); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestData); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for _, rel := range manifest.Files {
		if err := addFile(tw, filepath.Join(root, filepath.FromSlash(rel)), capsulePrefix+rel); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	header := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	return nil
}

// Unpack extracts a bundle into dest, which must not exist. Entries that
// are not regular files or that would land outside dest are rejected, and
// nothing is left behind when extraction fails.
func Unpack(bundlePath, dest string) (*Manifest, error) {
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("%s already exists", dest)
	}

	inFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer inFile.Close()

	gr, err := gzip.NewReader(inFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	manifest, err := extract(tar.NewReader(gr), dest)
	if err != nil {
		os.RemoveAll(dest)
		return nil, err
	}
	return manifest, nil
}

func extract(tr *tar.Reader, dest string) (*Manifest, error) {
	var manifest *Manifest
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}

		if header.Name == manifestName {
			m, err := decodeManifest(tr)
			if err != nil {
				return nil, err
			}
			manifest = m
			continue
		}

		rel, err := entryPath(header)
		if err != nil {
			return nil, err
		}
		destPath := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}

	if manifest == nil {
		return nil, errors.New("invalid bundle: missing " + manifestName)
	}
	lock, err := os.ReadFile(filepath.Join(dest, capsule.LockFile))
	if err != nil {
		return nil, fmt.Errorf("invalid bundle: %w", err)
	}
	if got := strings.TrimSpace(string(lock)); got != manifest.CapsuleSHA256 {
		return nil, fmt.Errorf("invalid bundle: %s is %s but %s records %s", capsule.LockFile, got, manifestName, manifest.CapsuleSHA256)
	}
	return manifest, nil
}

// entryPath validates a tar entry and returns its path relative to the
// capsule root.
func entryPath(h *tar.Header) (string, error) {
	if h.Typeflag != tar.TypeReg {
		return "", fmt.Errorf("invalid bundle: %s is not a regular file", h.Name)
	}
	if !strings.HasPrefix(h.Name, capsulePrefix) {
		return "", fmt.Errorf("invalid bundle: unexpected entry %s", h.Name)
	}
	rel := strings.TrimPrefix(h.Name, capsulePrefix)
	clean := path.Clean(rel)
	if rel == "" || path.IsAbs(rel) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(rel, `\`) {
		return "", fmt.Errorf("invalid bundle: entry %s escapes the capsule", h.Name)
	}
	return clean, nil
}

func decodeManifest(r io.Reader) (*Manifest, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// ReadManifest reads only the manifest from a bundle without extracting it.
func ReadManifest(bundlePath string) (*Manifest, error) {
	inFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer inFile.Close()

	gr, err := gzip.NewReader(inFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Name == manifestName {
			return decodeManifest(tr)
		}
	}

	return nil, fmt.Errorf("manifest not found in bundle")
}
