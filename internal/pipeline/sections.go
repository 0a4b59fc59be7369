package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

const sectionIDPromptFmt = `Identify the treatment arms of this trial and assign its tables to
extraction categories.

Drug under study: %s

Tables that survived filtering:

%s

Rules for arms:
- One entry per randomized group, including placebo and active comparators.
- Name arms exactly as the paper names them, dose included where doses
  differ ("upadacitinib 15 mg", not "upadacitinib").
- Pooled or extension-phase groups are not arms unless the paper reports
  primary outcomes for them.

Rules for table assignment:
- baseline: demographics and baseline disease characteristics
- efficacy: primary and secondary outcome results
- safety: adverse events and tolerability
- A table may appear under more than one category; leave a category empty
  when no table fits it.

Return ONLY a JSON object:
{
  "arms": [
    {
      "arm_name": "as printed",
      "dosing_regimen": "dose and schedule, or empty",
      "background_therapy": "concomitant standard-of-care, or empty",
      "n_patients": number randomized to this arm or null
    }
  ],
  "table_assignments": {
    "baseline": ["Table 1"],
    "efficacy": ["Table 2"],
    "safety": ["Table 3"]
  },
  "confidence": 0.0 to 1.0
}`

// IdentifySections runs the section-identification stage: the arm list and
// table buckets everything downstream consumes. A degraded stage yields
// zero arms, which the orchestrator reports as a design-only run rather
// than an error.
func IdentifySections(ctx context.Context, r *StageRunner, system []anthropic.SystemBlock, req ExtractionRequest, paper *model.Paper) StageResult[model.SectionIdentification] {
	spec := StageSpec{
		Stage:          StageSections,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(sectionIDPromptFmt, req.DrugName, renderAllTables(paper, 1500)),
		System:         system,
		MaxTokens:      4096,
		ThinkingBudget: r.fullBudget(),
	}
	res := RunStage(ctx, r, spec, llmjson.ShapeObject, model.SectionIdentification{})
	res.Value.Arms = pruneArms(res.Value.Arms)
	return res
}

// pruneArms drops unnamed arms and collapses duplicates by normalized name,
// keeping the first occurrence.
func pruneArms(arms []model.TrialArm) []model.TrialArm {
	seen := make(map[string]bool, len(arms))
	kept := make([]model.TrialArm, 0, len(arms))
	for _, arm := range arms {
		arm.ArmName = strings.TrimSpace(arm.ArmName)
		key := arm.NormalizedName()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, arm)
	}
	return kept
}

// validBucketLabels keeps only assignments that name a table actually on the
// narrowed paper, so a hallucinated label cannot route a stage at nothing.
func validBucketLabels(paper *model.Paper, labels []string) []string {
	kept := make([]string, 0, len(labels))
	for _, label := range labels {
		if t, ok := paper.TableByLabel(label); ok {
			kept = append(kept, t.Label)
		}
	}
	return kept
}
