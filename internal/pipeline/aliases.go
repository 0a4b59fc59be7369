package pipeline

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// AliasRules maps endpoint-name variants to the canonical form used for
// display and duplicate matching. Papers and figures rarely agree on a
// spelling: "Overall response rate", "objective response rate", and "ORR"
// are one endpoint. The built-in table covers common oncology and
// rheumatology instruments; a deployment extends it through a YAML file
// named by pipeline.alias_rules.
type AliasRules struct {
	Endpoints map[string]string `yaml:"endpoints"`
}

// DefaultAliasRules returns the built-in alias table. Keys are stored
// pre-folded: lower case, dashes as spaces.
func DefaultAliasRules() *AliasRules {
	return &AliasRules{Endpoints: map[string]string{
		// Oncology response and survival.
		"orr":                       "ORR",
		"overall response rate":     "ORR",
		"objective response rate":   "ORR",
		"best overall response":     "ORR",
		"cr":                        "CR",
		"complete response":         "CR",
		"complete response rate":    "CR",
		"pr":                        "PR",
		"partial response":          "PR",
		"partial response rate":     "PR",
		"dcr":                       "DCR",
		"disease control rate":      "DCR",
		"dor":                       "DOR",
		"duration of response":      "DOR",
		"pfs":                       "PFS",
		"progression free survival": "PFS",
		"os":                        "OS",
		"overall survival":          "OS",

		// Rheumatology composites.
		"acr20":                     "ACR20",
		"acr 20":                    "ACR20",
		"acr20 response":            "ACR20",
		"acr50":                     "ACR50",
		"acr 50":                    "ACR50",
		"acr50 response":            "ACR50",
		"acr70":                     "ACR70",
		"acr 70":                    "ACR70",
		"acr70 response":            "ACR70",
		"das28":                     "DAS28",
		"das 28":                    "DAS28",
		"disease activity score 28": "DAS28",
		"haq di":                    "HAQ-DI",
		"health assessment questionnaire disability index": "HAQ-DI",

		// Lupus.
		"sri 4":                 "SRI-4",
		"sle responder index 4": "SRI-4",
		"systemic lupus erythematosus responder index 4": "SRI-4",
		"bicla": "BICLA",
		"bilag based combined lupus assessment": "BICLA",
		"crr":                     "CRR",
		"complete renal response": "CRR",
		"partial renal response":  "PRR",

		// Dermatology.
		"pasi75":   "PASI 75",
		"pasi 75":  "PASI 75",
		"pasi90":   "PASI 90",
		"pasi 90":  "PASI 90",
		"pasi100":  "PASI 100",
		"pasi 100": "PASI 100",
		"easi75":   "EASI 75",
		"easi 75":  "EASI 75",
	}}
}

// LoadAliasRules reads alias rules from a YAML file and layers them over
// the built-in table. File entries win on conflict.
func LoadAliasRules(path string) (*AliasRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read alias rules %s", path)
	}

	// The YAML has a top-level "aliases" key.
	var wrapper struct {
		Aliases AliasRules `yaml:"aliases"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse alias rules %s", path)
	}

	rules := DefaultAliasRules()
	for alias, canonical := range wrapper.Aliases.Endpoints {
		rules.Endpoints[foldAlias(alias)] = canonical
	}
	return rules, nil
}

// CanonicalEndpoint returns the canonical name for an endpoint, or the
// input unchanged when no alias matches. Safe on a nil receiver.
func (r *AliasRules) CanonicalEndpoint(name string) string {
	if r == nil || len(r.Endpoints) == 0 {
		return name
	}
	if canonical, ok := r.Endpoints[foldAlias(name)]; ok {
		return canonical
	}
	return name
}

// foldAlias builds the lookup key: NFKC-folded lower case with dashes
// treated as spaces, whitespace collapsed.
func foldAlias(name string) string {
	s := strings.ToLower(norm.NFKC.String(name))
	s = strings.NewReplacer("-", " ", "–", " ", "—", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
