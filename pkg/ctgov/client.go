// Package ctgov provides a client for the ClinicalTrials.gov API v2.
package ctgov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrStudyNotFound is returned when the registry has no study for the id.
var ErrStudyNotFound = eris.New("ctgov: study not found")

var nctPat = regexp.MustCompile(`^NCT\d{8}$`)

// Client defines the ClinicalTrials.gov operations used by the pipeline.
type Client interface {
	// GetStudy fetches registry metadata for an NCT id.
	GetStudy(ctx context.Context, nctID string) (*Study, error)
}

// Study is the registry record, trimmed to the modules the pipeline reads.
type Study struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
}

// ProtocolSection groups the study's protocol modules.
type ProtocolSection struct {
	Identification    IdentificationModule    `json:"identificationModule"`
	Status            StatusModule            `json:"statusModule"`
	Design            DesignModule            `json:"designModule"`
	Conditions        ConditionsModule        `json:"conditionsModule"`
	ArmsInterventions ArmsInterventionsModule `json:"armsInterventionsModule"`
}

// IdentificationModule carries the study's ids and titles.
type IdentificationModule struct {
	NCTID         string `json:"nctId"`
	BriefTitle    string `json:"briefTitle"`
	OfficialTitle string `json:"officialTitle"`
	Acronym       string `json:"acronym"`
}

// StatusModule carries the study's lifecycle status.
type StatusModule struct {
	OverallStatus string `json:"overallStatus"`
}

// DesignModule carries phase and enrollment.
type DesignModule struct {
	Phases         []string       `json:"phases"`
	EnrollmentInfo EnrollmentInfo `json:"enrollmentInfo"`
}

// EnrollmentInfo carries the enrollment count.
type EnrollmentInfo struct {
	Count int `json:"count"`
}

// ConditionsModule carries the studied conditions.
type ConditionsModule struct {
	Conditions []string `json:"conditions"`
}

// ArmsInterventionsModule carries arm groups and interventions.
type ArmsInterventionsModule struct {
	ArmGroups     []ArmGroup     `json:"armGroups"`
	Interventions []Intervention `json:"interventions"`
}

// ArmGroup is a registered study arm.
type ArmGroup struct {
	Label       string `json:"label"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Intervention is a registered intervention.
type Intervention struct {
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	ArmGroupLabels []string `json:"armGroupLabels"`
}

// TrialName returns the acronym when registered, else the brief title.
func (s *Study) TrialName() string {
	if s.ProtocolSection.Identification.Acronym != "" {
		return s.ProtocolSection.Identification.Acronym
	}
	return s.ProtocolSection.Identification.BriefTitle
}

// Indication returns the first registered condition.
func (s *Study) Indication() string {
	if len(s.ProtocolSection.Conditions.Conditions) > 0 {
		return s.ProtocolSection.Conditions.Conditions[0]
	}
	return ""
}

// Phase renders the registered phases as "Phase 2", "Phase 2/3", etc.
func (s *Study) Phase() string {
	var nums []string
	for _, p := range s.ProtocolSection.Design.Phases {
		n := strings.TrimPrefix(strings.ToUpper(p), "PHASE")
		if n == "" || n == "NA" {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return ""
	}
	return "Phase " + strings.Join(nums, "/")
}

// Enrollment returns the registered enrollment count.
func (s *Study) Enrollment() int {
	return s.ProtocolSection.Design.EnrollmentInfo.Count
}

// ArmLabels returns the registered arm group labels.
func (s *Study) ArmLabels() []string {
	labels := make([]string, 0, len(s.ProtocolSection.ArmsInterventions.ArmGroups))
	for _, g := range s.ProtocolSection.ArmsInterventions.ArmGroups {
		labels = append(labels, g.Label)
	}
	return labels
}

// Option configures the ctgov client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
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
	http    *http.Client
}

// NewClient creates a new ClinicalTrials.gov client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://clinicaltrials.gov/api/v2",
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

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures. Returns the response body and status code on success.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
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
			return nil, resp.StatusCode, eris.Wrap(readErr, "ctgov: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("ctgov: status %d: %s", resp.StatusCode, string(body))
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

func (c *httpClient) GetStudy(ctx context.Context, nctID string) (*Study, error) {
	nctID = strings.ToUpper(strings.TrimSpace(nctID))
	if !nctPat.MatchString(nctID) {
		return nil, eris.Errorf("ctgov: malformed nct id %q", nctID)
	}

	reqURL := fmt.Sprintf("%s/studies/%s", c.baseURL, nctID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ctgov: create request")
	}
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "ctgov: request failed")
	}

	if statusCode == http.StatusNotFound {
		return nil, eris.Wrapf(ErrStudyNotFound, "%s", nctID)
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("ctgov: unexpected status %d: %s", statusCode, string(body))
	}

	var study Study
	if err := json.Unmarshal(body, &study); err != nil {
		return nil, eris.Wrap(err, "ctgov: unmarshal study")
	}

	return &study, nil
}
