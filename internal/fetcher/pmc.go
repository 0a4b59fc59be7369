package fetcher

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/model"
)

// ErrNotOpenAccess means the article exists but is not in the PMC Open
// Access subset, so no package can be downloaded for it.
var ErrNotOpenAccess = eris.New("fetcher: article is not in the PMC open access subset")

var pmcidPat = regexp.MustCompile(`^PMC\d+$`)

// NormalizePMCID upper-cases, trims, and PMC-prefixes an id like "7654321"
// or "pmc7654321".
func NormalizePMCID(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id != "" && !strings.HasPrefix(id, "PMC") {
		id = "PMC" + id
	}
	if !pmcidPat.MatchString(id) {
		return "", eris.Errorf("fetcher: invalid PMC id %q", id)
	}
	return id, nil
}

// PMCResolver turns a PMC id into a parsed Paper: OA service lookup, package
// download (FTP or HTTPS, whichever the service links), tarball extraction,
// JATS parse, and figure image attachment.
type PMCResolver struct {
	http      *HTTPFetcher
	ftp       *FTPFetcher
	oaBaseURL string
	tempDir   string
}

// NewPMCResolver creates a resolver working under tempDir.
func NewPMCResolver(httpFetcher *HTTPFetcher, ftpFetcher *FTPFetcher, oaBaseURL, tempDir string) *PMCResolver {
	return &PMCResolver{
		http:      httpFetcher,
		ftp:       ftpFetcher,
		oaBaseURL: oaBaseURL,
		tempDir:   tempDir,
	}
}

// oaResponse is the OA service (oa.fcgi) reply envelope.
type oaResponse struct {
	XMLName xml.Name   `xml:"OA"`
	Records []oaRecord `xml:"records>record"`
	Error   *oaError   `xml:"error"`
}

type oaRecord struct {
	ID    string   `xml:"id,attr"`
	Links []oaLink `xml:"link"`
}

type oaLink struct {
	Format string `xml:"format,attr"`
	Href   string `xml:"href,attr"`
}

type oaError struct {
	Code string `xml:"code,attr"`
	Text string `xml:",chardata"`
}

// ResolvePackage asks the OA service for the article's tgz package URL.
func (r *PMCResolver) ResolvePackage(ctx context.Context, pmcid string) (string, error) {
	body, err := r.http.Download(ctx, fmt.Sprintf("%s?id=%s", r.oaBaseURL, url.QueryEscape(pmcid)))
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: oa lookup %s", pmcid)
	}
	defer body.Close() //nolint:errcheck

	var oa oaResponse
	if err := xml.NewDecoder(body).Decode(&oa); err != nil {
		return "", eris.Wrapf(err, "fetcher: decode oa response for %s", pmcid)
	}

	if oa.Error != nil {
		if oa.Error.Code == "idIsNotOpenAccess" {
			return "", ErrNotOpenAccess
		}
		return "", eris.Errorf("fetcher: oa service error %s: %s", oa.Error.Code, strings.TrimSpace(oa.Error.Text))
	}

	for _, rec := range oa.Records {
		for _, l := range rec.Links {
			if l.Format == "tgz" {
				return l.Href, nil
			}
		}
	}
	return "", eris.Errorf("fetcher: no tgz package for %s", pmcid)
}

// FetchPaper downloads and parses the article's OA package. Extracted
// packages are kept under tempDir, so a re-fetch of the same id skips the
// download.
func (r *PMCResolver) FetchPaper(ctx context.Context, pmcid string) (*model.Paper, error) {
	pmcid, err := NormalizePMCID(pmcid)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(r.tempDir, pmcid)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "fetcher: create work dir")
	}

	files, err := packageFiles(workDir)
	if err != nil {
		return nil, err
	}
	if _, ok := FindByExt(files, ".nxml"); !ok {
		pkgURL, err := r.ResolvePackage(ctx, pmcid)
		if err != nil {
			return nil, err
		}

		var dl Fetcher = r.http
		if strings.HasPrefix(pkgURL, "ftp://") {
			dl = r.ftp
		}
		tgzPath := filepath.Join(workDir, pmcid+".tar.gz")
		n, err := dl.DownloadToFile(ctx, pkgURL, tgzPath)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: download package %s", pmcid)
		}
		zap.L().Info("downloaded oa package",
			zap.String("pmcid", pmcid),
			zap.Int64("bytes", n),
		)

		if files, err = ExtractTarGz(tgzPath, workDir); err != nil {
			return nil, err
		}
	}

	nxmlPath, ok := FindByExt(files, ".nxml")
	if !ok {
		return nil, eris.Errorf("fetcher: package for %s has no .nxml article", pmcid)
	}

	f, err := os.Open(nxmlPath)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: open article")
	}
	defer f.Close() //nolint:errcheck

	paper, graphics, err := ParseJATS(f)
	if err != nil {
		return nil, err
	}
	if paper.Meta.PMCID == "" {
		paper.Meta.PMCID = pmcid
	}
	attachFigures(paper, graphics, files)

	return paper, nil
}

// packageFiles lists regular files under an extracted package directory.
func packageFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: list package files")
	}
	return files, nil
}

// attachFigures loads image bytes for each figure whose graphic is present
// in the package with a media type the engine accepts. Figures without a
// usable image stay caption-only and are skipped downstream.
func attachFigures(paper *model.Paper, graphics map[string]string, files []string) {
	for i, fig := range paper.Figures {
		href, ok := graphics[fig.Label]
		if !ok {
			continue
		}
		path, ok := findGraphic(files, href)
		if !ok {
			continue
		}
		mediaType := mediaTypeFor(path)
		if mediaType == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			zap.L().Warn("failed to read figure graphic",
				zap.String("label", fig.Label),
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		paper.Figures[i].MediaType = mediaType
		paper.Figures[i].Data = data
	}
}

// findGraphic matches a JATS graphic href, which usually omits the file
// extension, against the package file list.
func findGraphic(files []string, href string) (string, bool) {
	for _, f := range files {
		base := filepath.Base(f)
		if base == href || strings.TrimSuffix(base, filepath.Ext(base)) == href {
			return f, true
		}
	}
	return "", false
}

func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return ""
}
