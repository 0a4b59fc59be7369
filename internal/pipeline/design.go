package pipeline

import (
	"context"
	"fmt"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

const designPromptFmt = `Extract the trial design for this study.

Drug under study: %s
Registry number: %s
Indication: %s

From the full text in context, report how the trial was designed. Use null
for anything the paper does not state.

Return ONLY a JSON object:
{
  "nct_id": "registry number",
  "indication": "disease under study",
  "design_summary": "one or two sentences: phase, randomization, control, duration",
  "inclusion_criteria": ["key inclusion criteria, abbreviated"],
  "exclusion_criteria": ["key exclusion criteria, abbreviated"],
  "planned_enrollment": number or null,
  "actual_enrollment": number randomized or null,
  "duration_weeks": number or null (treatment period, not follow-up),
  "randomization_ratio": "e.g. 2:1, or empty",
  "blinding": "double-blind | single-blind | open-label | empty",
  "confidence": 0.0 to 1.0,
  "notes": "anything unusual about the design, or empty"
}`

// DesignStage extracts the trial-level design record, once per run. A
// degraded stage yields a skeleton design carrying only what the request
// already knew.
func DesignStage(ctx context.Context, r *StageRunner, system []anthropic.SystemBlock, req ExtractionRequest) StageResult[model.TrialDesign] {
	spec := StageSpec{
		Stage:          StageDesign,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(designPromptFmt, req.DrugName, req.NCTID, req.Indication),
		System:         system,
		MaxTokens:      2048,
		ThinkingBudget: r.halfBudget(),
	}
	fallback := model.TrialDesign{NCTID: req.NCTID, Indication: req.Indication}

	res := RunStage(ctx, r, spec, llmjson.ShapeObject, fallback)

	// The request is authoritative for identifiers; the engine fills the rest.
	res.Value.NCTID = req.NCTID
	if res.Value.Indication == "" {
		res.Value.Indication = req.Indication
	}
	return res
}
