package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
)

const validationPromptFmt = `An automated pipeline extracted the record below from the paper in
context. Check the record against the paper.

Arm: %s

Extracted record:
%s

Flag as an issue anything demonstrably wrong: values that contradict the
paper, endpoints attributed to the wrong arm, impossible numbers
(percentages over 100, responders above the denominator). Flag as a warning
anything suspicious but defensible. Then estimate what share of the
endpoints the paper reports for this arm made it into the record.

Return ONLY a JSON object:
{
  "passed": true when no issues were found,
  "issues": ["demonstrable errors"],
  "warnings": ["suspicious but defensible"],
  "endpoint_completeness_pct": 0 to 100
}`

// ValidateExtraction runs the validation stage over one finished arm
// record. A degraded stage yields a failed validation rather than blocking
// aggregation. Baseline completeness is computed locally either way; the
// engine judges correctness, not arithmetic.
func ValidateExtraction(ctx context.Context, r *StageRunner, ec *extractionContext, extraction *model.ClinicalTrialExtraction) model.ValidationResult {
	payload, _ := json.MarshalIndent(extraction, "", "  ")

	spec := StageSpec{
		Stage:     StageValidation,
		Model:     r.models.HaikuModel,
		Prompt:    fmt.Sprintf(validationPromptFmt, extraction.ArmName, payload),
		System:    ec.system,
		MaxTokens: 1536,
	}
	res := RunStage(ctx, r, spec, llmjson.ShapeObject, model.ValidationResult{})
	res.Value.BaselineCompletenessPct = extraction.Baseline.CompletenessPct()
	return res.Value
}

// ConfidenceScore derives the extraction confidence: a floor for having
// produced a record at all, presence credit per extracted section, and a
// share scaled by baseline completeness, capped at 1.0.
func ConfidenceScore(e *model.ClinicalTrialExtraction) float64 {
	score := 0.6
	if !e.Baseline.Empty() {
		score += 0.1
	}
	if len(e.Efficacy) > 0 {
		score += 0.1
	}
	if len(e.Safety) > 0 {
		score += 0.1
	}
	score += 0.1 * e.Baseline.CompletenessPct() / 100
	if score > 1.0 {
		score = 1.0
	}
	return score
}
