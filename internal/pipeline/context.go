package pipeline

import (
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

// Stage identifiers used in metrics keys, log fields, and progress updates.
const (
	StageDesign       = "trial_design"
	StageTableCaption = "table_caption_filter"
	StageTableContent = "table_content_validation"
	StageFigureTriage = "figure_classification"
	StageSections     = "section_identification"
	StageDemographics = "demographics"
	StagePriorMeds    = "prior_medications"
	StageDiseaseBase  = "disease_baseline"
	StageEfficacy     = "efficacy"
	StageFigures      = "figure_extraction"
	StageSafety       = "safety"
	StageValidation   = "validation"
)

// armStageOrder is the fixed per-arm stage sequence. Baseline stages run
// before efficacy so the demographics record exists when the merge stages
// fill their fields; figures run after tabular efficacy so plot-derived
// endpoints land behind table-derived ones in the pre-dedupe list.
var armStageOrder = []string{
	StageDemographics,
	StagePriorMeds,
	StageDiseaseBase,
	StageEfficacy,
	StageFigures,
	StageSafety,
}

// ExtractionRequest is the caller's input to Orchestrator.Run. NCTID and
// Indication may be left empty when the paper itself carries them.
type ExtractionRequest struct {
	NCTID      string
	DrugName   string
	TrialName  string
	Indication string
	Paper      *model.Paper
}

// ProgressUpdate describes one pipeline transition for display. ArmIndex and
// ArmTotal are zero for run-level stages.
type ProgressUpdate struct {
	Stage      string
	StageIndex int
	StageTotal int
	ArmIndex   int
	ArmTotal   int
	Message    string
}

// ProgressFunc receives progress updates. A nil func is safe to report to.
type ProgressFunc func(ProgressUpdate)

func (f ProgressFunc) report(u ProgressUpdate) {
	if f != nil {
		f(u)
	}
}

// extractionContext is the frozen per-run view handed to every stage call
// once table narrowing finishes: the request, the narrowed paper, the cached
// system blocks, and everything section identification decided. Stages read
// from it and never write to it.
type extractionContext struct {
	req     ExtractionRequest
	paper   *model.Paper
	design  model.TrialDesign
	buckets model.TableBuckets
	refs    []model.FigureRef
	figures []model.FigureImage
	system  []anthropic.SystemBlock
	aliases *AliasRules
}
