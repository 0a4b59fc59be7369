// Package export renders finished extraction results for human review: an
// XLSX workbook per trial and pages in a Notion review database.
package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/trialdex/extract-cli/internal/model"
)

var efficacyColumns = []string{
	"Arm",
	"Endpoint",
	"Category",
	"Timepoint",
	"Weeks",
	"Analysis",
	"Responders",
	"Responders %",
	"Total N",
	"Value",
	"SD",
	"Change From Baseline",
	"P-Value",
	"Significant",
	"Comparator",
	"Source",
}

var safetyColumns = []string{
	"Arm",
	"Event",
	"Severity",
	"Events",
	"Patients Affected",
	"Total N",
	"Incidence %",
	"Timepoint",
	"Source",
}

var baselineColumns = []string{
	"Arm",
	"N",
	"Age Mean",
	"Age SD",
	"Age Median",
	"Female %",
	"Male %",
	"White %",
	"Black %",
	"Asian %",
	"Other Race %",
	"Disease Duration",
	"Prior Therapy Use",
	"Severity Scores",
	"Completeness %",
}

// WriteWorkbook renders the result as a four-sheet reviewer workbook and
// saves it to path.
func WriteWorkbook(result *model.ExtractionResult, path string) error {
	f, err := BuildWorkbook(result)
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save workbook %s", path)
	}
	return nil
}

// BuildWorkbook assembles the in-memory workbook: one sheet each for trial
// design, baseline characteristics, efficacy endpoints, and safety events.
func BuildWorkbook(result *model.ExtractionResult) (*xlsx.File, error) {
	if result == nil {
		return nil, eris.New("export: nil result")
	}

	f := xlsx.NewFile()
	if err := addDesignSheet(f, result); err != nil {
		return nil, err
	}
	if err := addBaselineSheet(f, result); err != nil {
		return nil, err
	}
	if err := addEfficacySheet(f, result); err != nil {
		return nil, err
	}
	if err := addSafetySheet(f, result); err != nil {
		return nil, err
	}
	return f, nil
}

func addDesignSheet(f *xlsx.File, result *model.ExtractionResult) error {
	sheet, err := f.AddSheet("Design")
	if err != nil {
		return eris.Wrap(err, "export: add design sheet")
	}

	kv := func(key, value string) {
		row := sheet.AddRow()
		row.AddCell().SetString(key)
		row.AddCell().SetString(value)
	}

	kv("NCT ID", result.NCTID)
	kv("Trial Name", result.TrialName)
	kv("Drug", result.DrugName)
	kv("Indication", result.Indication)
	kv("Status", string(result.Status))
	kv("Arms Extracted", strconv.Itoa(len(result.Extractions)))
	kv("Mean Confidence", fmt.Sprintf("%.2f", meanConfidence(result)))

	d := result.Design
	if d == nil {
		return nil
	}
	kv("Design Summary", d.DesignSummary)
	kv("Planned Enrollment", fmtIntPtr(d.PlannedEnrollment))
	kv("Actual Enrollment", fmtIntPtr(d.ActualEnrollment))
	kv("Duration (weeks)", fmtFloatPtr(d.DurationWeeks))
	kv("Randomization", d.RandomizationRatio)
	kv("Blinding", d.Blinding)
	if len(d.InclusionCriteria) > 0 {
		kv("Inclusion Criteria", strings.Join(d.InclusionCriteria, "; "))
	}
	if len(d.ExclusionCriteria) > 0 {
		kv("Exclusion Criteria", strings.Join(d.ExclusionCriteria, "; "))
	}
	if d.Notes != "" {
		kv("Notes", d.Notes)
	}
	return nil
}

func addBaselineSheet(f *xlsx.File, result *model.ExtractionResult) error {
	sheet, err := f.AddSheet("Baseline")
	if err != nil {
		return eris.Wrap(err, "export: add baseline sheet")
	}
	addStrings(sheet, baselineColumns...)

	for _, e := range result.Extractions {
		b := e.Baseline
		if b == nil {
			b = &model.BaselineCharacteristics{}
		}
		duration := fmtFloatPtr(b.DiseaseDurationMean)
		if duration != "" && b.DiseaseDurationUnit != "" {
			duration += " " + b.DiseaseDurationUnit
		}
		addStrings(sheet,
			e.ArmName,
			fmtIntPtr(b.SampleSize),
			fmtFloatPtr(b.AgeMean),
			fmtFloatPtr(b.AgeSD),
			fmtFloatPtr(b.AgeMedian),
			fmtFloatPtr(b.FemalePct),
			fmtFloatPtr(b.MalePct),
			fmtFloatPtr(b.RaceWhitePct),
			fmtFloatPtr(b.RaceBlackPct),
			fmtFloatPtr(b.RaceAsianPct),
			fmtFloatPtr(b.RaceOtherPct),
			duration,
			joinFloatMap(b.PriorTherapyUse),
			joinAnyMap(b.BaselineSeverityScores),
			fmt.Sprintf("%.0f", b.CompletenessPct()),
		)
	}
	return nil
}

func addEfficacySheet(f *xlsx.File, result *model.ExtractionResult) error {
	sheet, err := f.AddSheet("Efficacy")
	if err != nil {
		return eris.Wrap(err, "export: add efficacy sheet")
	}
	addStrings(sheet, efficacyColumns...)

	for _, e := range result.Extractions {
		for _, ep := range e.Efficacy {
			addStrings(sheet,
				e.ArmName,
				ep.Name,
				ep.Category,
				ep.Timepoint,
				fmtFloatPtr(ep.TimepointWeeks),
				ep.AnalysisType,
				fmtIntPtr(ep.Responders),
				fmtFloatPtr(ep.RespondersPct),
				fmtIntPtr(ep.TotalN),
				fmtFloatPtr(ep.Value),
				fmtFloatPtr(ep.ValueSD),
				fmtFloatPtr(ep.ChangeFromBaseline),
				ep.PValue,
				fmtBoolPtr(ep.StatSig),
				ep.ComparatorArm,
				ep.SourceTable,
			)
		}
	}
	return nil
}

func addSafetySheet(f *xlsx.File, result *model.ExtractionResult) error {
	sheet, err := f.AddSheet("Safety")
	if err != nil {
		return eris.Wrap(err, "export: add safety sheet")
	}
	addStrings(sheet, safetyColumns...)

	for _, e := range result.Extractions {
		for _, ep := range e.Safety {
			addStrings(sheet,
				e.ArmName,
				ep.Name,
				ep.Severity,
				fmtIntPtr(ep.Events),
				fmtIntPtr(ep.PatientsAffected),
				fmtIntPtr(ep.TotalN),
				fmtFloatPtr(ep.IncidencePct),
				ep.Timepoint,
				ep.SourceTable,
			)
		}
	}
	return nil
}

func addStrings(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func meanConfidence(result *model.ExtractionResult) float64 {
	if len(result.Extractions) == 0 {
		return 0
	}
	var sum float64
	for _, e := range result.Extractions {
		sum += e.Confidence
	}
	return sum / float64(len(result.Extractions))
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return fmtFloat(*v)
}

func fmtIntPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func fmtBoolPtr(v *bool) string {
	if v == nil {
		return ""
	}
	if *v {
		return "yes"
	}
	return "no"
}

func joinFloatMap(m map[string]float64) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, fmtFloat(m[k]))
	}
	return strings.Join(parts, "; ")
}

func joinAnyMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, m[k])
	}
	return strings.Join(parts, "; ")
}
