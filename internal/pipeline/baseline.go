package pipeline

import (
	"context"
	"fmt"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
)

const demographicsPromptFmt = `Arm: %s
Dosing: %s

Baseline tables assigned to this extraction:

%s

Extract the demographic characteristics reported for this arm's column.
Report percentages as printed; when a table gives counts only, convert to
percent of the arm's n. Null for anything not reported.

Return ONLY a JSON object:
{
  "sample_size": number randomized or analyzed in this arm, or null,
  "age_mean": number or null,
  "age_sd": number or null,
  "age_median": number or null,
  "female_pct": number or null,
  "male_pct": number or null,
  "race_white_pct": number or null,
  "race_black_pct": number or null,
  "race_asian_pct": number or null,
  "race_other_pct": number or null,
  "disease_duration_mean": number or null,
  "disease_duration_unit": "years | months | empty"
}`

const priorMedsPromptFmt = `Arm: %s

Baseline tables assigned to this extraction:

%s

Extract prior and concomitant medication exposure for this arm: the therapy
classes the paper reports with the percentage of patients on or previously
exposed to each. Skip classes with no number for this arm.

Return ONLY a JSON object:
{
  "prior_therapy_use": {"therapy class as printed": percentage}
}`

const diseaseBaselinePromptFmt = `Arm: %s
Indication: %s

Baseline tables assigned to this extraction:

%s

Extract the disease-specific baseline status of this arm: activity indices,
severity scores, biomarkers, and organ-specific measures, as reported for
this arm's column. Put formal scoring instruments under
baseline_severity_scores and other disease measures under
disease_specific_baseline; keys name the measure and statistic as printed
("SLEDAI-2K mean"). Use details for facts that fit neither map.

Return ONLY a JSON object:
{
  "disease_specific_baseline": {"measure": value},
  "baseline_severity_scores": {"score": value},
  "details": [
    {"name": "measure", "value": "as printed", "unit": "", "statistic": "mean (SD) etc"}
  ]
}`

// priorMedications is the prior-medications stage payload.
type priorMedications struct {
	PriorTherapyUse map[string]float64 `json:"prior_therapy_use"`
}

// diseaseBaseline is the disease-baseline stage payload.
type diseaseBaseline struct {
	DiseaseSpecificBaseline map[string]any                       `json:"disease_specific_baseline"`
	BaselineSeverityScores  map[string]any                       `json:"baseline_severity_scores"`
	Details                 []model.BaselineCharacteristicDetail `json:"details"`
}

// bucketBlock renders the tables assigned to a stage, or a pointer at the
// full text when the bucket came back empty.
func bucketBlock(ec *extractionContext, labels []string) string {
	block := renderTables(ec.paper, labels, 0)
	if block == "" {
		return "(no table was assigned to this category; use the full text in context)"
	}
	return block
}

// runDemographics builds the arm's baseline record. Later baseline stages
// merge into the value this stage returns.
func runDemographics(ctx context.Context, r *StageRunner, ec *extractionContext, arm model.TrialArm) StageResult[model.BaselineCharacteristics] {
	spec := StageSpec{
		Stage:          StageDemographics,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(demographicsPromptFmt, arm.ArmName, arm.DosingRegimen, bucketBlock(ec, ec.buckets.Baseline)),
		System:         ec.system,
		MaxTokens:      2048,
		ThinkingBudget: r.halfBudget(),
	}
	return RunStage(ctx, r, spec, llmjson.ShapeObject, model.BaselineCharacteristics{})
}

// runPriorMedications extracts the prior-therapy exposure map.
func runPriorMedications(ctx context.Context, r *StageRunner, ec *extractionContext, arm model.TrialArm) StageResult[priorMedications] {
	spec := StageSpec{
		Stage:     StagePriorMeds,
		Model:     r.models.SonnetModel,
		Prompt:    fmt.Sprintf(priorMedsPromptFmt, arm.ArmName, bucketBlock(ec, ec.buckets.Baseline)),
		System:    ec.system,
		MaxTokens: 1024,
	}
	return RunStage(ctx, r, spec, llmjson.ShapeObject, priorMedications{})
}

// runDiseaseBaseline extracts indication-specific baseline measures.
func runDiseaseBaseline(ctx context.Context, r *StageRunner, ec *extractionContext, arm model.TrialArm) StageResult[diseaseBaseline] {
	spec := StageSpec{
		Stage:          StageDiseaseBase,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(diseaseBaselinePromptFmt, arm.ArmName, ec.req.Indication, bucketBlock(ec, ec.buckets.Baseline)),
		System:         ec.system,
		MaxTokens:      3072,
		ThinkingBudget: r.halfBudget(),
	}
	return RunStage(ctx, r, spec, llmjson.ShapeObject, diseaseBaseline{})
}

// mergePriorMedications installs the prior-therapy map onto the baseline
// record. The stage owns only this field, and a degraded or empty result
// leaves whatever the demographics stage already found.
func mergePriorMedications(b *model.BaselineCharacteristics, res StageResult[priorMedications]) {
	if res.Degraded() || len(res.Value.PriorTherapyUse) == 0 {
		return
	}
	b.PriorTherapyUse = res.Value.PriorTherapyUse
}

// mergeDiseaseBaseline installs the disease-specific maps and the detail
// list, each only when the stage produced it.
func mergeDiseaseBaseline(b *model.BaselineCharacteristics, res StageResult[diseaseBaseline]) {
	if res.Degraded() {
		return
	}
	if len(res.Value.DiseaseSpecificBaseline) > 0 {
		b.DiseaseSpecificBaseline = res.Value.DiseaseSpecificBaseline
	}
	if len(res.Value.BaselineSeverityScores) > 0 {
		b.BaselineSeverityScores = res.Value.BaselineSeverityScores
	}
	if len(res.Value.Details) > 0 {
		b.Details = res.Value.Details
	}
}
