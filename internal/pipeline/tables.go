package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

const captionFilterPromptFmt = `A paper reporting a trial of %s contains the tables listed below, each
shown with the opening of its content.

%s

Which tables could hold clinical trial data worth extracting: baseline or
demographic characteristics, efficacy outcomes, or safety and adverse event
results? Exclude tables about other studies, literature reviews, assay
panels, and pure methodology.

Return ONLY a JSON array of the labels to keep, for example:
["Table 1", "Table 3"]`

const contentValidationPromptFmt = `These tables passed a first screen on their captions. Now judge the
content itself.

%s

Keep a table only if its body contains actual reported data rows for this
trial: numbers per arm, counts, percentages, or scores. Drop abbreviation
keys, footnote collections, study-flow diagrams rendered as text, and
tables whose rows are narrative sentences rather than data.

Return ONLY a JSON array of the labels to keep.`

// tableExcerpts renders (label, excerpt) pairs for a batched filter prompt.
func tableExcerpts(tables []model.Table, perTable int) string {
	var b strings.Builder
	for _, t := range tables {
		content := strings.TrimSpace(t.Content)
		if len(content) > perTable {
			content = content[:perTable] + "..."
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", t.Label, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// keepByLabel filters tables to those whose label appears in accepted,
// preserving order. Matching is case-insensitive on the trimmed label, and
// labels the engine invented match nothing.
func keepByLabel(tables []model.Table, accepted []string) []model.Table {
	want := make(map[string]bool, len(accepted))
	for _, label := range accepted {
		want[strings.ToLower(strings.TrimSpace(label))] = true
	}
	kept := make([]model.Table, 0, len(tables))
	for _, t := range tables {
		if want[strings.ToLower(strings.TrimSpace(t.Label))] {
			kept = append(kept, t)
		}
	}
	return kept
}

// FilterTablesByCaption is the first narrowing pass: one batched call over
// every table's label and opening excerpt. The engine returns the labels
// worth keeping; a failed or unparseable call fails open and keeps all
// tables rather than silently discarding trial data.
func FilterTablesByCaption(ctx context.Context, r *StageRunner, system []anthropic.SystemBlock, drug string, tables []model.Table) []model.Table {
	if len(tables) == 0 {
		return tables
	}
	spec := StageSpec{
		Stage:     StageTableCaption,
		Model:     r.models.HaikuModel,
		Prompt:    fmt.Sprintf(captionFilterPromptFmt, drug, tableExcerpts(tables, 300)),
		System:    system,
		MaxTokens: 1024,
	}
	res := RunStage[[]string](ctx, r, spec, llmjson.ShapeArray, nil)
	if res.Degraded() {
		return tables
	}
	return keepByLabel(tables, res.Value)
}

// ValidateTableContent is the second narrowing pass, run on the survivors of
// the caption filter with longer excerpts. Same batched shape, same
// fail-open contract.
func ValidateTableContent(ctx context.Context, r *StageRunner, system []anthropic.SystemBlock, tables []model.Table) []model.Table {
	if len(tables) == 0 {
		return tables
	}
	spec := StageSpec{
		Stage:     StageTableContent,
		Model:     r.models.HaikuModel,
		Prompt:    fmt.Sprintf(contentValidationPromptFmt, tableExcerpts(tables, 1200)),
		System:    system,
		MaxTokens: 1024,
	}
	res := RunStage[[]string](ctx, r, spec, llmjson.ShapeArray, nil)
	if res.Degraded() {
		return tables
	}
	return keepByLabel(tables, res.Value)
}
