package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

const figureCaptionMax = 500

var (
	figureLabelPat  = regexp.MustCompile(`(?i)^(?:Figure|Fig\.?)\s*(\d+)`)
	captionBreakPat = regexp.MustCompile(`(?i)^(?:Figure|Fig\.?|Table)\s*\d+`)
)

// ScanFigureCaptions locates figure captions in the paper text. A caption
// starts at a line opening with a figure label and continues over wrapped
// lines until a blank line or another label, capped at 500 characters.
// In-text references rarely start a line, and when two candidates claim the
// same number the longer caption wins.
func ScanFigureCaptions(content string) []model.FigureRef {
	lines := strings.Split(content, "\n")
	byNumber := make(map[int]model.FigureRef)
	var order []int

	for i, line := range lines {
		line = strings.TrimSpace(line)
		m := figureLabelPat.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil || num <= 0 {
			continue
		}

		caption := line
		for j := i + 1; j < len(lines) && len(caption) < figureCaptionMax; j++ {
			next := strings.TrimSpace(lines[j])
			if next == "" || captionBreakPat.MatchString(next) {
				break
			}
			caption += " " + next
		}
		if len(caption) > figureCaptionMax {
			caption = caption[:figureCaptionMax]
		}
		caption = squash(caption)

		prev, seen := byNumber[num]
		if seen && len(prev.Caption) >= len(caption) {
			continue
		}
		if !seen {
			order = append(order, num)
		}
		byNumber[num] = model.FigureRef{
			Number:  num,
			Label:   fmt.Sprintf("Figure %d", num),
			Caption: caption,
		}
	}

	refs := make([]model.FigureRef, 0, len(order))
	for _, num := range order {
		refs = append(refs, byNumber[num])
	}
	return refs
}

const figureTriagePromptFmt = `The paper in context contains these figures:

%s

Which of them plot efficacy outcomes: response rates over time, score
changes between arms, survival or time-to-event curves? Exclude study-flow
diagrams, enrollment maps, mechanism illustrations, and subgroup forest
plots.

Return ONLY a JSON array of the figure numbers to keep, for example: [1, 3]`

// TriageFigures selects which figure numbers look like efficacy plots, in
// one batched call over the caption list. A degraded call fails open and
// keeps every figure.
func TriageFigures(ctx context.Context, r *StageRunner, system []anthropic.SystemBlock, refs []model.FigureRef) []int {
	if len(refs) == 0 {
		return nil
	}
	all := make([]int, len(refs))
	var captions strings.Builder
	for i, ref := range refs {
		all[i] = ref.Number
		fmt.Fprintf(&captions, "%s: %s\n", ref.Label, ref.Caption)
	}

	spec := StageSpec{
		Stage:     StageFigureTriage,
		Model:     r.models.HaikuModel,
		Prompt:    fmt.Sprintf(figureTriagePromptFmt, strings.TrimRight(captions.String(), "\n")),
		System:    system,
		MaxTokens: 512,
	}
	res := RunStage[[]int](ctx, r, spec, llmjson.ShapeArray, all)
	if res.Degraded() {
		return all
	}

	known := make(map[int]bool, len(all))
	for _, n := range all {
		known[n] = true
	}
	kept := make([]int, 0, len(res.Value))
	for _, n := range res.Value {
		if known[n] {
			kept = append(kept, n)
		}
	}
	return kept
}

// figureNumber extracts the number from an image label. Returns 0 when the
// label carries none.
func figureNumber(label string) int {
	m := figureLabelPat.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// selectFigureImages returns the figures that carry image bytes and survived
// triage. A nil keep set keeps every usable figure.
func selectFigureImages(figures []model.FigureImage, keep []int) []model.FigureImage {
	var keepSet map[int]bool
	if keep != nil {
		keepSet = make(map[int]bool, len(keep))
		for _, n := range keep {
			keepSet[n] = true
		}
	}

	var usable []model.FigureImage
	for _, f := range figures {
		if len(f.Data) == 0 || f.MediaType == "" {
			continue
		}
		if keepSet != nil && !keepSet[figureNumber(f.Label)] {
			continue
		}
		usable = append(usable, f)
	}
	return usable
}

const figureExtractPromptFmt = `Arm: %s
Dosing: %s

The attached images are efficacy figures from the paper. Their captions:

%s

Read reported values for this arm only from the plots. Take a point only
when its value is legible from axis labels, data labels, or stated numbers;
skip anything that would require measuring pixels. Use the y-axis quantity
as the endpoint name and the x-axis position as the timepoint.

%s
Set source_table to the figure label the value came from.`

// runFigureStage reads efficacy values off the surviving plot images for one
// arm. The arm pipeline skips this stage entirely when no images survived
// triage.
func runFigureStage(ctx context.Context, r *StageRunner, ec *extractionContext, arm model.TrialArm) StageResult[[]model.EfficacyEndpoint] {
	var captions strings.Builder
	keptNumbers := make(map[int]bool, len(ec.figures))
	for _, f := range ec.figures {
		keptNumbers[figureNumber(f.Label)] = true
	}
	for _, ref := range ec.refs {
		if keptNumbers[ref.Number] {
			fmt.Fprintf(&captions, "%s: %s\n", ref.Label, ref.Caption)
		}
	}

	images := make([]anthropic.Image, len(ec.figures))
	for i, f := range ec.figures {
		images[i] = anthropic.Image{MediaType: f.MediaType, Data: f.Data}
	}

	spec := StageSpec{
		Stage:          StageFigures,
		Model:          r.models.SonnetModel,
		Prompt:         fmt.Sprintf(figureExtractPromptFmt, arm.ArmName, arm.DosingRegimen, strings.TrimRight(captions.String(), "\n"), efficacySchema),
		System:         ec.system,
		MaxTokens:      4096,
		ThinkingBudget: r.halfBudget(),
		Images:         images,
	}
	res := RunStage[[]model.EfficacyEndpoint](ctx, r, spec, llmjson.ShapeArray, nil)
	res.Value = pruneEfficacy(res.Value)
	return res
}
