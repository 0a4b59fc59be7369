package model

import "time"

// ClinicalTrialExtraction is the per-arm aggregate record, the unit of
// output from the arm pipeline.
type ClinicalTrialExtraction struct {
	NCTID       string `json:"nct_id"`
	TrialName   string `json:"trial_name,omitempty"`
	DrugName    string `json:"drug_name"`
	GenericName string `json:"generic_name,omitempty"`
	Indication  string `json:"indication"`

	ArmName           string `json:"arm_name"`
	DosingRegimen     string `json:"dosing_regimen,omitempty"`
	BackgroundTherapy string `json:"background_therapy,omitempty"`
	NPatients         *int   `json:"n_patients,omitempty"`

	Baseline *BaselineCharacteristics `json:"baseline,omitempty"`
	Efficacy []EfficacyEndpoint       `json:"efficacy_endpoints,omitempty"`
	Safety   []SafetyEndpoint         `json:"safety_endpoints,omitempty"`

	Confidence float64 `json:"extraction_confidence"`
	Notes      string  `json:"notes,omitempty"`
}

// ArmResult carries one arm's pipeline outcome. Error is set when the arm
// pipeline hit an unexpected failure; whatever was accumulated before the
// failure stays on Extraction.
type ArmResult struct {
	Index      int                      `json:"index"`
	Arm        TrialArm                 `json:"arm"`
	Extraction *ClinicalTrialExtraction `json:"extraction,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// ValidationResult is the outcome of the per-extraction validation stage.
type ValidationResult struct {
	Passed                  bool     `json:"passed"`
	Issues                  []string `json:"issues,omitempty"`
	Warnings                []string `json:"warnings,omitempty"`
	BaselineCompletenessPct float64  `json:"baseline_completeness_pct"`
	EndpointCompletenessPct float64  `json:"endpoint_completeness_pct"`
}

// RunStatus tracks an extraction run through its lifecycle. Queued and
// running are transient; the rest classify how the run ended.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDuplicate RunStatus = "duplicate"
)

// ExtractionResult is the orchestrator's return value: trial design, one
// extraction per successful arm, and the run metrics snapshot. Duplicate is
// set when the run short-circuited on an already-extracted trial.
type ExtractionResult struct {
	RunID      string    `json:"run_id"`
	NCTID      string    `json:"nct_id"`
	TrialName  string    `json:"trial_name,omitempty"`
	DrugName   string    `json:"drug_name,omitempty"`
	Indication string    `json:"indication,omitempty"`
	Status     RunStatus `json:"status"`
	Duplicate  bool      `json:"duplicate,omitempty"`

	Design      *TrialDesign              `json:"design,omitempty"`
	Extractions []ClinicalTrialExtraction `json:"extractions"`
	ArmErrors   []ArmResult               `json:"arm_errors,omitempty"`

	Metrics *MetricsSnapshot `json:"metrics,omitempty"`
}

// ExtractionRun is the persisted summary row for one orchestration run.
type ExtractionRun struct {
	ID          string     `json:"id"`
	NCTID       string     `json:"nct_id"`
	TrialName   string     `json:"trial_name,omitempty"`
	DrugName    string     `json:"drug_name,omitempty"`
	Status      RunStatus  `json:"status"`
	Arms        int        `json:"arms"`
	CostUSD     float64    `json:"cost_usd"`
	TotalTokens int64      `json:"total_tokens"`
	Confidence  float64    `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MetricsSnapshot is the read-only view of run metrics embedded in results
// and persisted with the run row. Cost is derived from token usage at
// snapshot time.
type MetricsSnapshot struct {
	APICalls           int                   `json:"api_calls"`
	UsageByModel       map[string]TokenUsage `json:"usage_by_model,omitempty"`
	TotalInputTokens   int64                 `json:"total_input_tokens"`
	TotalOutputTokens  int64                 `json:"total_output_tokens"`
	ThinkingTokens     int64                 `json:"thinking_tokens"`
	CacheWriteTokens   int64                 `json:"cache_write_tokens"`
	CacheReadTokens    int64                 `json:"cache_read_tokens"`
	EstimatedCostUSD   float64               `json:"estimated_cost_usd"`
	StageDurationsMS   map[string]int64      `json:"stage_durations_ms,omitempty"`
	TotalDurationMS    int64                 `json:"total_duration_ms"`
	ArmsProcessed      int                   `json:"arms_processed"`
	EndpointsExtracted int                   `json:"endpoints_extracted"`
	FiguresProcessed   int                   `json:"figures_processed"`
	TablesProcessed    int                   `json:"tables_processed"`
	Warnings           []string              `json:"warnings,omitempty"`
	Errors             []string              `json:"errors,omitempty"`
}
