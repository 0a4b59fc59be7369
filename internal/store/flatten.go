package store

import (
	"github.com/google/uuid"

	"github.com/trialdex/extract-cli/internal/model"
)

// endpointColumns is the column order for flattened endpoint rows, shared by
// the SQLite insert loop and the Postgres COPY path. created_at is left to
// the database default.
var endpointColumns = []string{
	"id", "nct_id", "drug_name", "arm_name", "kind", "name", "detail",
	"unit", "timepoint", "timepoint_weeks", "value", "value_pct",
	"numerator", "total_n", "p_value", "source_table",
}

// endpointRows flattens every efficacy and safety endpoint in the result to
// one row per endpoint, in endpointColumns order. Efficacy rows carry the
// endpoint category in detail; safety rows carry the severity grade.
func endpointRows(result *model.ExtractionResult) [][]any {
	var rows [][]any
	for _, ex := range result.Extractions {
		for _, e := range ex.Efficacy {
			rows = append(rows, []any{
				uuid.New().String(), ex.NCTID, ex.DrugName, ex.ArmName,
				"efficacy", e.Name, e.Category, e.Unit, e.Timepoint,
				nullFloat(e.TimepointWeeks), nullFloat(e.Value),
				nullFloat(e.RespondersPct), nullInt(e.Responders),
				nullInt(e.TotalN), e.PValue, e.SourceTable,
			})
		}
		for _, e := range ex.Safety {
			var weeks *float64
			if w, ok := model.ParseTimepointWeeks(e.Timepoint); ok {
				weeks = &w
			}
			rows = append(rows, []any{
				uuid.New().String(), ex.NCTID, ex.DrugName, ex.ArmName,
				"safety", e.Name, e.Severity, "", e.Timepoint,
				nullFloat(weeks), nil, nullFloat(e.IncidencePct),
				nullInt(e.PatientsAffected), nullInt(e.TotalN), "", e.SourceTable,
			})
		}
	}
	return rows
}

// runSummary derives the extraction_runs summary columns from a result.
func runSummary(result *model.ExtractionResult) (arms int, costUSD float64, totalTokens int64, confidence float64) {
	arms = len(result.Extractions)
	if result.Metrics != nil {
		costUSD = result.Metrics.EstimatedCostUSD
		totalTokens = result.Metrics.TotalInputTokens + result.Metrics.TotalOutputTokens
	}
	var sum float64
	for _, ex := range result.Extractions {
		sum += ex.Confidence
	}
	if arms > 0 {
		confidence = sum / float64(arms)
	}
	return arms, costUSD, totalTokens, confidence
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
