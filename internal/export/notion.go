package export

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/notion"
)

// reviewTitleProp is the title property name in the review database.
const reviewTitleProp = "Name"

const (
	maxEndpointBlocks = 10
	maxWarningBlocks  = 10
)

// PublishReview upserts one review page per trial in the Notion review
// database. Pages are keyed by "NCTID drug" so re-running a trial refreshes
// its existing page instead of stacking duplicates. Creation writes the full
// page body; an update refreshes the properties only, leaving reviewer edits
// to the body alone.
func PublishReview(ctx context.Context, c notion.Client, dbID string, result *model.ExtractionResult) (string, error) {
	if result == nil {
		return "", eris.New("export: nil result")
	}
	title := reviewTitle(result)

	existing, err := notion.FindPageByTitle(ctx, c, dbID, reviewTitleProp, title)
	if err != nil {
		return "", eris.Wrapf(err, "export: review page %q", title)
	}

	props := reviewProperties(title, result)
	if existing != nil {
		page, err := c.UpdatePage(ctx, existing.ID.String(), &notionapi.PageUpdateRequest{
			Properties: props,
		})
		if err != nil {
			return "", eris.Wrapf(err, "export: review page %q", title)
		}
		return page.ID.String(), nil
	}

	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
		Children:   reviewBlocks(result),
	})
	if err != nil {
		return "", eris.Wrapf(err, "export: review page %q", title)
	}
	return page.ID.String(), nil
}

func reviewTitle(r *model.ExtractionResult) string {
	return strings.TrimSpace(r.NCTID + " " + r.DrugName)
}

func reviewProperties(title string, r *model.ExtractionResult) notionapi.Properties {
	props := notionapi.Properties{
		reviewTitleProp: notion.TitleProp(title),
		"Status":        notion.SelectProp(string(r.Status)),
		"Drug":          notion.TextProp(r.DrugName),
		"Indication":    notion.TextProp(r.Indication),
		"Arms":          notion.NumberProp(float64(len(r.Extractions))),
		"Confidence":    notion.NumberProp(round(meanConfidence(r), 2)),
		"Registry":      notion.URLProp("https://clinicaltrials.gov/study/" + r.NCTID),
	}
	if r.TrialName != "" {
		props["Trial"] = notion.TextProp(r.TrialName)
	}
	if r.Metrics != nil {
		props["Cost (USD)"] = notion.NumberProp(round(r.Metrics.EstimatedCostUSD, 4))
	}
	return props
}

func reviewBlocks(r *model.ExtractionResult) []notionapi.Block {
	var blocks []notionapi.Block

	if d := r.Design; d != nil {
		blocks = append(blocks, notion.Heading2Block("Design"))
		if d.DesignSummary != "" {
			blocks = append(blocks, notion.ParagraphBlock(d.DesignSummary))
		}
		for _, line := range designLines(d) {
			blocks = append(blocks, notion.BulletBlock(line))
		}
	}

	for _, e := range r.Extractions {
		blocks = append(blocks, notion.DividerBlock(), notion.Heading3Block(armHeading(e)))
		if line := baselineLine(e.Baseline); line != "" {
			blocks = append(blocks, notion.BulletBlock("Baseline: "+line))
		}
		for _, ep := range head(e.Efficacy, maxEndpointBlocks) {
			blocks = append(blocks, notion.BulletBlock(efficacyLine(ep)))
		}
		for _, ep := range head(e.Safety, maxEndpointBlocks) {
			blocks = append(blocks, notion.BulletBlock(safetyLine(ep)))
		}
	}

	if r.Metrics != nil && len(r.Metrics.Warnings) > 0 {
		blocks = append(blocks, notion.DividerBlock(), notion.Heading2Block("Warnings"))
		for _, w := range head(r.Metrics.Warnings, maxWarningBlocks) {
			blocks = append(blocks, notion.BulletBlock(w))
		}
	}
	return blocks
}

func designLines(d *model.TrialDesign) []string {
	var lines []string
	if d.ActualEnrollment != nil {
		lines = append(lines, fmt.Sprintf("Enrollment: %d", *d.ActualEnrollment))
	} else if d.PlannedEnrollment != nil {
		lines = append(lines, fmt.Sprintf("Planned enrollment: %d", *d.PlannedEnrollment))
	}
	if d.DurationWeeks != nil {
		lines = append(lines, fmt.Sprintf("Duration: %s weeks", fmtFloat(*d.DurationWeeks)))
	}
	if d.RandomizationRatio != "" {
		lines = append(lines, "Randomization: "+d.RandomizationRatio)
	}
	if d.Blinding != "" {
		lines = append(lines, "Blinding: "+d.Blinding)
	}
	return lines
}

func armHeading(e model.ClinicalTrialExtraction) string {
	if e.NPatients != nil {
		return fmt.Sprintf("%s (n=%d)", e.ArmName, *e.NPatients)
	}
	return e.ArmName
}

func baselineLine(b *model.BaselineCharacteristics) string {
	if b == nil {
		return ""
	}
	var parts []string
	if b.SampleSize != nil {
		parts = append(parts, fmt.Sprintf("n=%d", *b.SampleSize))
	}
	if b.AgeMean != nil {
		parts = append(parts, fmt.Sprintf("mean age %s", fmtFloat(*b.AgeMean)))
	}
	if b.FemalePct != nil {
		parts = append(parts, fmt.Sprintf("%s%% female", fmtFloat(*b.FemalePct)))
	}
	return strings.Join(parts, ", ")
}

func efficacyLine(ep model.EfficacyEndpoint) string {
	var b strings.Builder
	b.WriteString(ep.Name)
	if ep.Timepoint != "" {
		fmt.Fprintf(&b, ", %s", ep.Timepoint)
	}
	switch {
	case ep.Responders != nil && ep.TotalN != nil:
		fmt.Fprintf(&b, ": %d/%d", *ep.Responders, *ep.TotalN)
		if ep.RespondersPct != nil {
			fmt.Fprintf(&b, " (%s%%)", fmtFloat(*ep.RespondersPct))
		}
	case ep.RespondersPct != nil:
		fmt.Fprintf(&b, ": %s%%", fmtFloat(*ep.RespondersPct))
	case ep.Value != nil:
		fmt.Fprintf(&b, ": %s", fmtFloat(*ep.Value))
		if ep.Unit != "" {
			b.WriteString(" " + ep.Unit)
		}
	case ep.ChangeFromBaseline != nil:
		fmt.Fprintf(&b, ": %s change from baseline", fmtFloat(*ep.ChangeFromBaseline))
	}
	if ep.PValue != "" {
		fmt.Fprintf(&b, ", p=%s", ep.PValue)
	}
	return b.String()
}

func safetyLine(ep model.SafetyEndpoint) string {
	var b strings.Builder
	b.WriteString(ep.Name)
	switch {
	case ep.PatientsAffected != nil && ep.TotalN != nil:
		fmt.Fprintf(&b, ": %d/%d", *ep.PatientsAffected, *ep.TotalN)
		if ep.IncidencePct != nil {
			fmt.Fprintf(&b, " (%s%%)", fmtFloat(*ep.IncidencePct))
		}
	case ep.PatientsAffected != nil:
		fmt.Fprintf(&b, ": %d patients", *ep.PatientsAffected)
	case ep.IncidencePct != nil:
		fmt.Fprintf(&b, ": %s%%", fmtFloat(*ep.IncidencePct))
	}
	return b.String()
}

func head[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func round(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
