package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/trialdex/extract-cli/internal/config"
	"github.com/trialdex/extract-cli/internal/cost"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/store"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// fakeEngine scripts engine behavior for pipeline tests. Rules match when
// every substring appears in the prompt, first match wins, and all requests
// are recorded for inspection. Unmatched prompts answer "{}".
type fakeEngine struct {
	mu    sync.Mutex
	rules []fakeRule
	calls []anthropic.MessageRequest
}

type fakeRule struct {
	substrs []string
	reply   string
	err     error
	panics  bool
	delay   time.Duration
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func bptr(v bool) *bool       { return &v }

func (f *fakeEngine) on(reply string, substrs ...string) *fakeEngine {
	f.rules = append(f.rules, fakeRule{substrs: substrs, reply: reply})
	return f
}

func (f *fakeEngine) failOn(err error, substrs ...string) *fakeEngine {
	f.rules = append(f.rules, fakeRule{substrs: substrs, err: err})
	return f
}

func (f *fakeEngine) panicOn(substrs ...string) *fakeEngine {
	f.rules = append(f.rules, fakeRule{substrs: substrs, panics: true})
	return f
}

func (f *fakeEngine) slowOn(d time.Duration, reply string, substrs ...string) *fakeEngine {
	f.rules = append(f.rules, fakeRule{substrs: substrs, reply: reply, delay: d})
	return f
}

func (f *fakeEngine) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	rules := make([]fakeRule, len(f.rules))
	copy(rules, f.rules)
	f.mu.Unlock()

	var prompt string
	if len(req.Messages) > 0 {
		prompt = req.Messages[0].Content
	}

	for _, rule := range rules {
		if !matchAll(prompt, rule.substrs) {
			continue
		}
		if rule.panics {
			panic("scripted engine panic")
		}
		if rule.delay > 0 {
			time.Sleep(rule.delay)
		}
		if rule.err != nil {
			return nil, rule.err
		}
		return textResponse(rule.reply), nil
	}
	return textResponse("{}"), nil
}

func matchAll(prompt string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(prompt, s) {
			return false
		}
	}
	return true
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// promptsContaining counts recorded prompts containing every substring.
func (f *fakeEngine) promptsContaining(substrs ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if len(call.Messages) > 0 && matchAll(call.Messages[0].Content, substrs) {
			n++
		}
	}
	return n
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:      "claude-sonnet-4-5-20250929",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage: anthropic.TokenUsage{
			InputTokens:  1200,
			OutputTokens: 80,
		},
	}
}

// fakeStore covers the orchestrator's two touchpoints; everything else
// returns zero values.
type fakeStore struct {
	extracted bool
	trialName string
	checkErr  error
}

func (s *fakeStore) TrialAlreadyExtracted(ctx context.Context, nctID, drugName string) (bool, error) {
	return s.extracted, s.checkErr
}

func (s *fakeStore) GetTrialName(ctx context.Context, nctID string) (string, error) {
	return s.trialName, nil
}

func (s *fakeStore) CreateRun(ctx context.Context, nctID, drugName string) (*model.ExtractionRun, error) {
	return nil, nil
}

func (s *fakeStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	return nil
}

func (s *fakeStore) SaveResult(ctx context.Context, runID string, result *model.ExtractionResult) error {
	return nil
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (*model.ExtractionRun, error) {
	return nil, nil
}

func (s *fakeStore) GetResult(ctx context.Context, runID string) (*model.ExtractionResult, error) {
	return nil, nil
}

func (s *fakeStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ExtractionRun, error) {
	return nil, nil
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                      { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			HaikuModel:  "claude-haiku-4-5-20251001",
			SonnetModel: "claude-sonnet-4-5-20250929",
		},
		Pipeline: config.PipelineConfig{
			MaxConcurrentArms:    3,
			ThinkingBudget:       4096,
			FigureExtraction:     true,
			SafetyTableThreshold: 3.0,
			Retry: config.RetryConfig{
				MaxAttempts:      2,
				InitialBackoffMs: 1,
				MaxBackoffMs:     5,
				Multiplier:       2.0,
			},
			Circuit: config.CircuitConfig{
				FailureThreshold: 5,
				ResetTimeoutSecs: 30,
			},
		},
		Pricing: cost.DefaultRates(),
	}
}

const testPaperBody = `This phase 3, randomized, double-blind, placebo-controlled trial
(NCT02550652) evaluated the efficacy and safety of obinutuzumab in adults
with active lupus nephritis. Patients were randomized 1:1 to obinutuzumab
1000 mg or placebo, administered by intravenous infusion on day 1 and weeks
2, 24, and 26, each added to background mycophenolate mofetil and
corticosteroids. The primary endpoint was complete renal response at week
52, defined as urine protein to creatinine ratio below 0.5, normal renal
function without worsening, and inactive urinary sediment. Secondary
endpoints included overall renal response and complete renal response at
week 104. Safety was assessed through week 104 in all patients who received
at least one dose of study drug.

Figure 1. Renal response rates through week 104 by treatment group.
Figure 2. Trial profile and patient disposition.`

const testBaselineTable = `Characteristic	Obinutuzumab (N = 125)	Placebo (N = 126)
Age, years, mean (SD)	33.1 (10.3)	32.6 (10.5)
Female, n (%)	106 (84.8)	109 (86.5)
White, n (%)	62 (49.6)	60 (47.6)`

const testEfficacyTable = `Endpoint	Obinutuzumab (N = 125)	Placebo (N = 126)
Complete renal response at week 52, n (%)	44 (35.1)	29 (23.0)
Overall renal response at week 52, n (%)	70 (56.0)	45 (35.7)`

const testSafetyTable = `Adverse event	Obinutuzumab (N = 125)	Placebo (N = 126)
Any adverse event	114 (91.2)	110 (87.3)
Serious adverse event	32 (25.6)	37 (29.4)
Infection	72 (57.6)	61 (48.4)
Discontinuation due to adverse event	5 (4.0)	9 (7.1)
Death	1 (0.8)	4 (3.2)`

const testJunkTable = `Abbreviations
ACR: albumin to creatinine ratio
eGFR: estimated glomerular filtration rate
MMF: mycophenolate mofetil`

func testPaper() *model.Paper {
	return &model.Paper{
		Meta: model.PaperMeta{
			Title:   "Obinutuzumab for the treatment of active lupus nephritis",
			Journal: "Ann Rheum Dis",
			Year:    2022,
			PMCID:   "PMC9046749",
			MeshTerms: []string{
				"Humans",
				"Female",
				"Adult",
				"Double-Blind Method",
				"Lupus Nephritis/drug therapy",
				"Antibodies, Monoclonal, Humanized/therapeutic use",
			},
		},
		Content: testPaperBody,
		Tables: []model.Table{
			{Label: "Table 1", Content: testBaselineTable},
			{Label: "Table 2", Content: testEfficacyTable},
			{Label: "Table 3", Content: testSafetyTable},
			{Label: "Table 9", Content: testJunkTable},
		},
		Figures: []model.FigureImage{
			{Label: "Figure 1", Page: 4},
		},
	}
}

func testRequest() ExtractionRequest {
	return ExtractionRequest{
		NCTID:     "NCT02550652",
		DrugName:  "obinutuzumab",
		TrialName: "NOBILITY",
		Paper:     testPaper(),
	}
}
