package pipeline

import (
	"context"
	"fmt"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
)

const safetyPromptFmt = `Arm: %s
Dosing: %s

Safety tables assigned to this extraction:

%s

Extract the adverse event profile reported for this arm: overall AE
categories first (any AE, serious AEs, discontinuations due to AEs,
deaths), then individual events. Take counts from this arm's column only,
and keep the paper's own severity framing.

Return ONLY a JSON array of event objects:
[
  {
    "event_name": "as printed, e.g. serious infection",
    "severity": "any | serious | severe | grade_3_plus, or empty",
    "events": event count or null,
    "patients_affected": patient count or null,
    "total_n": safety population n for this arm or null,
    "incidence_pct": number or null,
    "cohort": "population the row covers when not the whole arm, or empty",
    "timepoint": "reporting period, e.g. through Week 52, or empty",
    "source_table": "table label the value came from"
  }
]`

// runSafetyStage extracts the arm's adverse-event profile from the safety
// bucket, which may have been filled by the shape-based locator when
// section identification assigned nothing usable.
func runSafetyStage(ctx context.Context, r *StageRunner, ec *extractionContext, arm model.TrialArm) StageResult[[]model.SafetyEndpoint] {
	spec := StageSpec{
		Stage:          StageSafety,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(safetyPromptFmt, arm.ArmName, arm.DosingRegimen, bucketBlock(ec, ec.buckets.Safety)),
		System:         ec.system,
		MaxTokens:      8192,
		ThinkingBudget: r.halfBudget(),
	}
	res := RunStage[[]model.SafetyEndpoint](ctx, r, spec, llmjson.ShapeArray, nil)
	res.Value = pruneSafety(res.Value)
	return res
}

// pruneSafety drops unnamed events.
func pruneSafety(events []model.SafetyEndpoint) []model.SafetyEndpoint {
	kept := events[:0]
	for _, ev := range events {
		if ev.Name == "" {
			continue
		}
		kept = append(kept, ev)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
