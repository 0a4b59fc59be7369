package fetcher

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractTarGz extracts all regular files from a gzipped tarball to the
// destination directory. PMC Open Access packages arrive in this format.
// Returns the list of extracted file paths.
func ExtractTarGz(tgzPath, destDir string) ([]string, error) {
	f, err := os.Open(tgzPath)
	if err != nil {
		return nil, eris.Wrap(err, "targz: open archive")
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, eris.Wrap(err, "targz: gzip reader")
	}
	defer gz.Close() //nolint:errcheck

	tr := tar.NewReader(gz)

	var extracted []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, eris.Wrap(err, "targz: read entry")
		}

		path, err := extractTarEntry(tr, hdr, destDir)
		if err != nil {
			return extracted, err
		}
		if path != "" {
			extracted = append(extracted, path)
		}
	}

	return extracted, nil
}

// extractTarEntry extracts a single tar entry to the destination directory.
// Returns the extracted file path, or empty string for non-file entries.
func extractTarEntry(tr *tar.Reader, hdr *tar.Header, destDir string) (string, error) {
	// Sanitize against path traversal
	destPath := filepath.Join(destDir, hdr.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("targz: illegal path %q (slip attempt)", hdr.Name)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "targz: create directory")
		}
		return "", nil
	case tar.TypeReg:
	default:
		return "", nil
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "targz: create parent directory")
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "targz: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, tr); err != nil {
		return "", eris.Wrap(err, "targz: write file")
	}

	return destPath, nil
}

// FindByExt returns the first extracted path with the given extension
// (case-insensitive, e.g. ".nxml").
func FindByExt(paths []string, ext string) (string, bool) {
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ext) {
			return p, true
		}
	}
	return "", false
}
