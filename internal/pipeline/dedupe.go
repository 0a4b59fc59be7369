package pipeline

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/trialdex/extract-cli/internal/model"
)

// The same endpoint often reaches the pipeline twice: once from an efficacy
// table and once from a figure, or as "ACR20 (ITT population)" in one table
// and "ACR20 response - ITT" in another. Deduplication runs per arm after
// figure endpoints are appended, in two passes: name normalization, then a
// field-wise merge of anything sharing (normalized name, timepoint).

const qualifierWords = `(?:m?itt|pp|fas|intent(?:ion)?[ -]to[ -]treat|per[ -]protocol|full analysis set|safety(?: analysis)?(?: set)?|completers?)`

var (
	parenQualifierPat = regexp.MustCompile(`(?i)\(\s*(` + qualifierWords + `)(?:\s+population)?\s*\)`)
	dashQualifierPat  = regexp.MustCompile(`(?i)[-–—]\s*(` + qualifierWords + `)(?:\s+population)?\s*$`)
	perDayPat         = regexp.MustCompile(`(?i)/\s*day\b`)
)

// canonicalAnalysisType folds a captured population qualifier to its
// canonical form. Unrecognized qualifiers pass through as captured.
func canonicalAnalysisType(q string) string {
	key := strings.Join(strings.Fields(strings.ToLower(q)), " ")
	key = strings.ReplaceAll(key, "-", " ")
	switch key {
	case "itt", "intent to treat", "intention to treat":
		return "ITT"
	case "pp", "per protocol", "completer", "completers":
		return "PP"
	case "mitt":
		return "mITT"
	case "fas", "full analysis set":
		return "FAS"
	default:
		return strings.TrimSpace(q)
	}
}

// NormalizeEndpointName splits an embedded population qualifier out of an
// endpoint name: "ACR20 (ITT population)" becomes ("ACR20", "ITT"), and
// "SRI-4 - per protocol" becomes ("SRI-4", "PP"). Names with no recognized
// qualifier come back whitespace-collapsed and otherwise unchanged.
func NormalizeEndpointName(name string) (string, string) {
	if m := parenQualifierPat.FindStringSubmatch(name); m != nil {
		clean := parenQualifierPat.ReplaceAllString(name, " ")
		return squash(clean), canonicalAnalysisType(m[1])
	}
	if m := dashQualifierPat.FindStringSubmatch(name); m != nil {
		clean := dashQualifierPat.ReplaceAllString(name, " ")
		return squash(clean), canonicalAnalysisType(m[1])
	}
	return squash(name), ""
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// endpointKey is the duplicate-matching key: the NFKC-folded, lower-cased
// name with "/day" unit suffixes and the filler word "response" removed,
// paired with the canonical timepoint.
func endpointKey(ep model.EfficacyEndpoint) string {
	name := strings.ToLower(norm.NFKC.String(ep.Name))
	name = perDayPat.ReplaceAllString(name, "")

	fields := strings.Fields(name)
	kept := fields[:0]
	for _, f := range fields {
		if strings.Trim(f, ".,;:") == "response" {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ") + "|" + model.TimepointKey(ep.Timepoint)
}

// DedupeEfficacy merges endpoints that report the same measurement. Pass
// one normalizes names, folds alias spellings to their canonical form,
// splits population qualifiers into AnalysisType, and backfills week
// numbers; pass two groups by (normalized name, timepoint) and merges each
// group field-wise. Singleton groups pass through, and running the merge
// on its own output changes nothing. rules may be nil.
func DedupeEfficacy(rules *AliasRules, endpoints []model.EfficacyEndpoint) []model.EfficacyEndpoint {
	if len(endpoints) == 0 {
		return endpoints
	}

	index := make(map[string]int, len(endpoints))
	merged := make([]model.EfficacyEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		name, analysis := NormalizeEndpointName(ep.Name)
		ep.Name = rules.CanonicalEndpoint(name)
		if ep.AnalysisType == "" {
			ep.AnalysisType = analysis
		}
		if ep.TimepointWeeks == nil {
			if weeks, ok := model.ParseTimepointWeeks(ep.Timepoint); ok {
				ep.TimepointWeeks = &weeks
			}
		}

		key := endpointKey(ep)
		at, seen := index[key]
		if !seen {
			index[key] = len(merged)
			merged = append(merged, ep)
			continue
		}
		merged[at] = mergeEndpoints(merged[at], ep)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return sortWeeks(merged[i]) < sortWeeks(merged[j])
	})
	return merged
}

func sortWeeks(ep model.EfficacyEndpoint) float64 {
	if ep.TimepointWeeks == nil {
		return math.MaxFloat64
	}
	return *ep.TimepointWeeks
}

// mergeEndpoints folds src into dst. A populated field is never
// overwritten, significance is OR'd, and contributor tables accumulate.
func mergeEndpoints(dst, src model.EfficacyEndpoint) model.EfficacyEndpoint {
	if dst.Category == "" {
		dst.Category = src.Category
	}
	if dst.Unit == "" {
		dst.Unit = src.Unit
	}
	if dst.Timepoint == "" {
		dst.Timepoint = src.Timepoint
	}
	if dst.TimepointWeeks == nil {
		dst.TimepointWeeks = src.TimepointWeeks
	}
	if dst.AnalysisType == "" {
		dst.AnalysisType = src.AnalysisType
	}
	if dst.Responders == nil {
		dst.Responders = src.Responders
	}
	if dst.RespondersPct == nil {
		dst.RespondersPct = src.RespondersPct
	}
	if dst.TotalN == nil {
		dst.TotalN = src.TotalN
	}
	if dst.Value == nil {
		dst.Value = src.Value
	}
	if dst.ValueSD == nil {
		dst.ValueSD = src.ValueSD
	}
	if dst.ChangeFromBaseline == nil {
		dst.ChangeFromBaseline = src.ChangeFromBaseline
	}
	if dst.PValue == "" {
		dst.PValue = src.PValue
	}
	dst.StatSig = orStatSig(dst.StatSig, src.StatSig)
	if dst.ComparatorArm == "" {
		dst.ComparatorArm = src.ComparatorArm
	}
	dst.SourceTable = joinSources(dst.SourceTable, src.SourceTable)
	return dst
}

// orStatSig keeps significance once any contributor reported it.
func orStatSig(a, b *bool) *bool {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	v := *a || *b
	return &v
}

// joinSources comma-joins the contributor tables in first-seen order,
// dropping repeats.
func joinSources(a, b string) string {
	if b == "" {
		return a
	}
	if a == "" {
		return b
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range strings.Split(a+", "+b, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return strings.Join(out, ", ")
}
