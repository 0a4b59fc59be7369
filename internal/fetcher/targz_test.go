package fetcher

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestTarGz(t *testing.T, files map[string]string) string {
	t.Helper()
	tgzPath := filepath.Join(t.TempDir(), "test.tar.gz")
	f, err := os.Create(tgzPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return tgzPath
}

func TestExtractTarGz_MultiFile(t *testing.T) {
	tgzPath := createTestTarGz(t, map[string]string{
		"PMC13900/article.nxml":   "<article/>",
		"PMC13900/figure1.jpg":    "jpegbytes",
		"PMC13900/supplement.pdf": "pdfbytes",
	})

	destDir := t.TempDir()
	extracted, err := ExtractTarGz(tgzPath, destDir)
	require.NoError(t, err)
	assert.Len(t, extracted, 3)

	for _, path := range extracted {
		_, err := os.Stat(path)
		require.NoError(t, err)
	}

	data, err := os.ReadFile(filepath.Join(destDir, "PMC13900", "article.nxml"))
	require.NoError(t, err)
	assert.Equal(t, "<article/>", string(data))
}

func TestExtractTarGz_DirEntries(t *testing.T) {
	tgzPath := createTestTarGz(t, map[string]string{
		"PMC13900/":         "",
		"PMC13900/data.txt": "hello",
	})

	destDir := t.TempDir()
	extracted, err := ExtractTarGz(tgzPath, destDir)
	require.NoError(t, err)

	// Directory entries don't count as extracted files
	assert.Len(t, extracted, 1)

	info, err := os.Stat(filepath.Join(destDir, "PMC13900"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtractTarGz_SlipAttempt(t *testing.T) {
	tgzPath := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(tgzPath)
	require.NoError(t, err)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := "pwned"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../../evil.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
	}))
	_, err = tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	destDir := t.TempDir()
	_, err = ExtractTarGz(tgzPath, destDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal path")

	// The escape target must not exist
	_, err = os.Stat(filepath.Join(filepath.Dir(destDir), "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("not a gzip stream"), 0o644))

	_, err := ExtractTarGz(path, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip reader")
}

func TestExtractTarGz_MissingArchive(t *testing.T) {
	_, err := ExtractTarGz(filepath.Join(t.TempDir(), "missing.tar.gz"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open archive")
}

func TestFindByExt(t *testing.T) {
	paths := []string{
		"/tmp/pkg/PMC13900/figure1.jpg",
		"/tmp/pkg/PMC13900/article.NXML",
		"/tmp/pkg/PMC13900/extra.nxml",
	}

	found, ok := FindByExt(paths, ".nxml")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/pkg/PMC13900/article.NXML", found)

	_, ok = FindByExt(paths, ".pdf")
	assert.False(t, ok)

	_, ok = FindByExt(nil, ".nxml")
	assert.False(t, ok)
}
