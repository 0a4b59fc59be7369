// Package pubmed provides a client for the NCBI E-utilities API.
package pubmed

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrArticleNotFound is returned when PubMed has no record for the id.
var ErrArticleNotFound = eris.New("pubmed: article not found")

// Client defines the PubMed operations used by the pipeline.
type Client interface {
	// FetchArticle fetches citation metadata for a PMID.
	FetchArticle(ctx context.Context, pmid string) (*Article, error)
	// Search runs an ESearch query and returns matching PMIDs.
	Search(ctx context.Context, term string, retMax int) ([]string, error)
	// FindByNCT returns PMIDs of articles indexed under the trial's NCT id.
	FindByNCT(ctx context.Context, nctID string) ([]string, error)
}

// Article is a PubMed citation record.
type Article struct {
	PMID     string
	Title    string
	Abstract string
	Journal  string
	Year     string
	DOI      string
	PMCID    string
	Mesh     []MeshTerm
}

// MeshTerm is one MeSH descriptor on the citation.
type MeshTerm struct {
	Descriptor string
	Major      bool
}

// Indication returns the first major-topic MeSH descriptor, falling back to
// the first descriptor of any kind.
func (a *Article) Indication() string {
	for _, m := range a.Mesh {
		if m.Major {
			return m.Descriptor
		}
	}
	if len(a.Mesh) > 0 {
		return a.Mesh[0].Descriptor
	}
	return ""
}

// HasFullText reports whether the article has a PubMed Central deposit.
func (a *Article) HasFullText() bool {
	return a.PMCID != ""
}

// Option configures the PubMed client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithAPIKey sets an NCBI API key, which raises the allowed request rate.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

// WithRateLimit overrides the request rate. NCBI allows 3 rps without an API
// key and 10 with one.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	http    *http.Client
}

// NewClient creates a new PubMed E-utilities client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
		limiter: rate.NewLimiter(rate.Limit(3), 1),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes a rate-limited HTTP request with exponential backoff
// retries on transient failures.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}

		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "pubmed: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("pubmed: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: create request")
	}

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: request failed")
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("pubmed: unexpected status %d: %s", statusCode, string(body))
	}
	return body, nil
}

// --- ESearch ---

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (c *httpClient) Search(ctx context.Context, term string, retMax int) ([]string, error) {
	if retMax <= 0 {
		retMax = 20
	}
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", term)
	params.Set("retmode", "json")
	params.Set("retmax", fmt.Sprintf("%d", retMax))

	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var result esearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "pubmed: unmarshal esearch response")
	}
	return result.Result.IDList, nil
}

func (c *httpClient) FindByNCT(ctx context.Context, nctID string) ([]string, error) {
	// NCT ids are indexed in the secondary source id [si] field.
	return c.Search(ctx, strings.ToUpper(strings.TrimSpace(nctID))+"[si]", 20)
}

// --- EFetch ---

type efetchResponse struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title   string `xml:"ArticleTitle"`
			Journal struct {
				Title string `xml:"Title"`
				Issue struct {
					PubDate struct {
						Year        string `xml:"Year"`
						MedlineDate string `xml:"MedlineDate"`
					} `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			Abstract struct {
				Sections []struct {
					Label string `xml:"Label,attr"`
					Text  string `xml:",chardata"`
				} `xml:"AbstractText"`
			} `xml:"Abstract"`
		} `xml:"Article"`
		MeshHeadings []struct {
			Descriptor struct {
				Major string `xml:"MajorTopicYN,attr"`
				Name  string `xml:",chardata"`
			} `xml:"DescriptorName"`
		} `xml:"MeshHeadingList>MeshHeading"`
	} `xml:"MedlineCitation"`
	Data struct {
		IDs []struct {
			Type string `xml:"IdType,attr"`
			ID   string `xml:",chardata"`
		} `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

func (c *httpClient) FetchArticle(ctx context.Context, pmid string) (*Article, error) {
	pmid = strings.TrimSpace(pmid)
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", pmid)
	params.Set("retmode", "xml")

	body, err := c.get(ctx, "efetch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var result efetchResponse
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "pubmed: unmarshal efetch response")
	}
	if len(result.Articles) == 0 {
		return nil, eris.Wrapf(ErrArticleNotFound, "pmid %s", pmid)
	}

	return fromEfetch(result.Articles[0]), nil
}

func fromEfetch(raw pubmedArticle) *Article {
	a := &Article{
		PMID:    strings.TrimSpace(raw.Citation.PMID),
		Title:   strings.TrimSpace(raw.Citation.Article.Title),
		Journal: strings.TrimSpace(raw.Citation.Article.Journal.Title),
	}

	pub := raw.Citation.Article.Journal.Issue.PubDate
	a.Year = pub.Year
	if a.Year == "" && len(pub.MedlineDate) >= 4 {
		a.Year = pub.MedlineDate[:4]
	}

	var sections []string
	for _, s := range raw.Citation.Article.Abstract.Sections {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if s.Label != "" {
			text = s.Label + ": " + text
		}
		sections = append(sections, text)
	}
	a.Abstract = strings.Join(sections, "\n")

	for _, m := range raw.Citation.MeshHeadings {
		name := strings.TrimSpace(m.Descriptor.Name)
		if name == "" {
			continue
		}
		a.Mesh = append(a.Mesh, MeshTerm{
			Descriptor: name,
			Major:      m.Descriptor.Major == "Y",
		})
	}

	for _, id := range raw.Data.IDs {
		switch id.Type {
		case "doi":
			a.DOI = strings.TrimSpace(id.ID)
		case "pmc":
			a.PMCID = strings.TrimSpace(id.ID)
		}
	}

	return a
}
