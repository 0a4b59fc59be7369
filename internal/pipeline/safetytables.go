package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/model"
)

// Adverse-event tables have a recognizable shape: per-arm (N = x) headers,
// safety vocabulary, and dense "count (percent)" cells. The scorer below
// rates each table on that shape so the pipeline can recover when section
// identification assigned no usable safety table.
var (
	armSizePat  = regexp.MustCompile(`(?i)\(?\s*N\s*=\s*\d+\s*\)?`)
	countPctPat = regexp.MustCompile(`\d+\s*\(\s*\d+(?:\.\d+)?\s*%?\s*\)`)
)

var safetyKeywords = []string{
	"adverse event",
	"adverse reaction",
	"serious adverse",
	"treatment-emergent",
	"teae",
	"tolerability",
	"discontinuation",
	"infection",
	"infusion-related",
	"death",
}

const (
	safetyRowBandMin  = 5
	safetyRowBandMax  = 40
	safetyRowOverload = 80
	safetyProseLine   = 200
)

// scoreSafetyTable rates how strongly a table resembles an adverse-event
// table. Scores are comparable only against safetyTableThreshold and each
// other.
func scoreSafetyTable(t model.Table) float64 {
	lines := strings.Split(t.Content, "\n")
	var score float64

	header := strings.Join(lines[:min(3, len(lines))], " ")
	if armSizePat.MatchString(header) {
		score += 1.0
	}

	lower := strings.ToLower(t.Content)
	hits := 0
	for _, kw := range safetyKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	score += float64(min(hits, 3))

	cells := countPctPat.FindAllString(t.Content, -1)
	density := float64(len(cells)) / float64(len(lines))
	switch {
	case density >= 0.5:
		score += 1.5
	case density >= 0.2:
		score += 0.75
	}

	if len(lines) >= safetyRowBandMin && len(lines) <= safetyRowBandMax {
		score += 0.5
	}
	if len(lines) > safetyRowOverload {
		score -= 1.0
	}

	for _, line := range lines {
		if len(line) > safetyProseLine && !strings.Contains(line, "\t") {
			score -= 0.5
		}
	}

	return score
}

// SafetyTableOverride scans the narrowed tables for adverse-event tables by
// shape and returns up to the two best labels scoring above threshold. Used
// only when section identification produced no valid safety assignment;
// engine assignments otherwise stand.
func SafetyTableOverride(tables []model.Table, threshold float64) []string {
	type scored struct {
		label string
		score float64
	}
	candidates := make([]scored, 0, len(tables))
	for _, t := range tables {
		if s := scoreSafetyTable(t); s > threshold {
			candidates = append(candidates, scored{label: t.Label, score: s})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	labels := make([]string, 0, 2)
	for _, c := range candidates[:min(2, len(candidates))] {
		zap.L().Debug("safety table located by shape",
			zap.String("label", c.label),
			zap.Float64("score", c.score))
		labels = append(labels, c.label)
	}
	return labels
}
