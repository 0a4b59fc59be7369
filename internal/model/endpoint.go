package model

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// EfficacyEndpoint is one measured treatment outcome for one arm. Endpoints
// come from both the tabular efficacy stage and the figure stage and are
// merged by (normalized name, normalized timepoint) before persistence.
type EfficacyEndpoint struct {
	Name           string   `json:"endpoint_name"`
	Category       string   `json:"category,omitempty"` // responder, continuous, time_to_event
	Unit           string   `json:"unit,omitempty"`
	Timepoint      string   `json:"timepoint,omitempty"`
	TimepointWeeks *float64 `json:"timepoint_weeks,omitempty"`
	AnalysisType   string   `json:"analysis_type,omitempty"` // ITT, PP, or as reported

	Responders    *int     `json:"responders,omitempty"`
	RespondersPct *float64 `json:"responders_pct,omitempty"`
	TotalN        *int     `json:"total_n,omitempty"`

	Value              *float64 `json:"value,omitempty"`
	ValueSD            *float64 `json:"value_sd,omitempty"`
	ChangeFromBaseline *float64 `json:"change_from_baseline,omitempty"`

	PValue        string `json:"p_value,omitempty"`
	StatSig       *bool  `json:"stat_sig,omitempty"`
	ComparatorArm string `json:"comparator_arm,omitempty"`
	SourceTable   string `json:"source_table,omitempty"`
}

// SafetyEndpoint is one adverse-event category for one arm.
type SafetyEndpoint struct {
	Name             string   `json:"event_name"`
	Severity         string   `json:"severity,omitempty"` // any, serious, severe, grade_3_plus
	Events           *int     `json:"events,omitempty"`
	PatientsAffected *int     `json:"patients_affected,omitempty"`
	TotalN           *int     `json:"total_n,omitempty"`
	IncidencePct     *float64 `json:"incidence_pct,omitempty"`
	Cohort           string   `json:"cohort,omitempty"`
	Timepoint        string   `json:"timepoint,omitempty"`
	SourceTable      string   `json:"source_table,omitempty"`
}

var (
	weekPat     = regexp.MustCompile(`(?i)(?:week|wk)s?\s*(\d+(?:\.\d+)?)`)
	weekTailPat = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)[\s-]*(?:week|wk)s?`)
	monthPat    = regexp.MustCompile(`(?i)(?:month|mo)s?\s*(\d+(?:\.\d+)?)`)
	monthTail   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)[\s-]*(?:month|mo)s?`)
	dayPat      = regexp.MustCompile(`(?i)(?:day)s?\s*(\d+(?:\.\d+)?)`)
	dayTailPat  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)[\s-]*(?:day)s?`)
)

const weeksPerMonth = 4.33

// ParseTimepointWeeks converts a raw timepoint string to a week number for
// sorting and duplicate matching: "Week 52" -> 52, "Month 6" -> 25.98,
// "Day 28" -> 4, "baseline" -> 0. Returns false when no pattern matches.
func ParseTimepointWeeks(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "baseline") || strings.Contains(lower, "screening") {
		return 0, true
	}

	for _, pat := range []*regexp.Regexp{weekPat, weekTailPat} {
		if m := pat.FindStringSubmatch(s); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	for _, pat := range []*regexp.Regexp{monthPat, monthTail} {
		if m := pat.FindStringSubmatch(s); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v * weeksPerMonth, true
			}
		}
	}
	for _, pat := range []*regexp.Regexp{dayPat, dayTailPat} {
		if m := pat.FindStringSubmatch(s); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v / 7, true
			}
		}
	}
	return 0, false
}

// TimepointKey returns the canonical grouping key for a raw timepoint: the
// parsed week count when one is recognized, else the lower-cased raw string.
func TimepointKey(raw string) string {
	if weeks, ok := ParseTimepointWeeks(raw); ok {
		return "wk:" + strconv.FormatFloat(math.Round(weeks*100)/100, 'f', -1, 64)
	}
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}
