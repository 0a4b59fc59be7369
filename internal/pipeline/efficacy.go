package pipeline

import (
	"context"
	"fmt"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
)

// efficacySchema is the endpoint object contract shared by the tabular
// efficacy stage and the figure stage, matching model.EfficacyEndpoint.
const efficacySchema = `Return ONLY a JSON array of endpoint objects:
[
  {
    "endpoint_name": "as printed, e.g. ACR20 response",
    "category": "responder | continuous | time_to_event",
    "unit": "for continuous endpoints, or empty",
    "timepoint": "as printed, e.g. Week 52",
    "analysis_type": "ITT | PP | as printed, or empty",
    "responders": count or null,
    "responders_pct": number or null,
    "total_n": denominator for this endpoint or null,
    "value": number or null,
    "value_sd": number or null,
    "change_from_baseline": number or null,
    "p_value": "as printed, or empty",
    "stat_sig": true | false | null,
    "comparator_arm": "arm the p-value compares against, or empty",
    "source_table": "table label the value came from"
  }
]`

const efficacyPromptFmt = `Arm: %s
Dosing: %s

Efficacy tables assigned to this extraction:

%s

Extract every efficacy endpoint reported for this arm, one object per
endpoint per timepoint. Take values from this arm's column only; a p-value
belongs to the arm it tests, not to the comparator. Include endpoints the
tables miss but the text reports.

%s`

// runEfficacyStage extracts tabular efficacy endpoints for one arm. The
// figure stage appends to this stage's list before deduplication.
func runEfficacyStage(ctx context.Context, r *StageRunner, ec *extractionContext, arm model.TrialArm) StageResult[[]model.EfficacyEndpoint] {
	spec := StageSpec{
		Stage:          StageEfficacy,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(efficacyPromptFmt, arm.ArmName, arm.DosingRegimen, bucketBlock(ec, ec.buckets.Efficacy), efficacySchema),
		System:         ec.system,
		MaxTokens:      8192,
		ThinkingBudget: r.fullBudget(),
	}
	res := RunStage[[]model.EfficacyEndpoint](ctx, r, spec, llmjson.ShapeArray, nil)
	res.Value = pruneEfficacy(res.Value)
	return res
}

// pruneEfficacy drops unnamed endpoints and backfills the week number for
// timepoints the parser recognizes.
func pruneEfficacy(endpoints []model.EfficacyEndpoint) []model.EfficacyEndpoint {
	kept := endpoints[:0]
	for _, ep := range endpoints {
		if ep.Name == "" {
			continue
		}
		if ep.TimepointWeeks == nil {
			if weeks, ok := model.ParseTimepointWeeks(ep.Timepoint); ok {
				ep.TimepointWeeks = &weeks
			}
		}
		kept = append(kept, ep)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
