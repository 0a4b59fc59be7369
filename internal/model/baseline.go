package model

// BaselineCharacteristics is the per-arm demographic and clinical summary.
// It is built incrementally: the demographics stage creates it, then the
// prior-medications and disease-baseline stages fill in their own fields
// without touching fields owned by earlier stages.
type BaselineCharacteristics struct {
	SampleSize *int `json:"sample_size,omitempty"`

	AgeMean   *float64 `json:"age_mean,omitempty"`
	AgeSD     *float64 `json:"age_sd,omitempty"`
	AgeMedian *float64 `json:"age_median,omitempty"`

	FemalePct *float64 `json:"female_pct,omitempty"`
	MalePct   *float64 `json:"male_pct,omitempty"`

	RaceWhitePct *float64 `json:"race_white_pct,omitempty"`
	RaceBlackPct *float64 `json:"race_black_pct,omitempty"`
	RaceAsianPct *float64 `json:"race_asian_pct,omitempty"`
	RaceOtherPct *float64 `json:"race_other_pct,omitempty"`

	DiseaseDurationMean *float64 `json:"disease_duration_mean,omitempty"`
	DiseaseDurationUnit string   `json:"disease_duration_unit,omitempty"`

	// PriorTherapyUse maps therapy class to the percentage of patients
	// previously exposed ("glucocorticoids" -> 84.5).
	PriorTherapyUse map[string]float64 `json:"prior_therapy_use,omitempty"`

	// DiseaseSpecificBaseline and BaselineSeverityScores are open-ended
	// indication-specific maps (e.g. "SLEDAI-2K mean", "proteinuria g/day").
	DiseaseSpecificBaseline map[string]any `json:"disease_specific_baseline,omitempty"`
	BaselineSeverityScores  map[string]any `json:"baseline_severity_scores,omitempty"`

	Details []BaselineCharacteristicDetail `json:"details,omitempty"`
}

// BaselineCharacteristicDetail is a single named baseline fact for the
// flexible fact list ("Serum C3", "0.72", "g/L", "mean (SD)").
type BaselineCharacteristicDetail struct {
	Name      string `json:"name"`
	Value     string `json:"value,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Statistic string `json:"statistic,omitempty"`
}

// coreFields lists the scalar pointers counted by CompletenessPct.
func (b *BaselineCharacteristics) coreFields() []*float64 {
	return []*float64{
		b.AgeMean, b.AgeSD, b.AgeMedian,
		b.FemalePct, b.MalePct,
		b.RaceWhitePct, b.RaceBlackPct, b.RaceAsianPct, b.RaceOtherPct,
		b.DiseaseDurationMean,
	}
}

// CompletenessPct returns the percentage of core baseline fields populated,
// counting sample size, the scalar demographics, and presence of each
// open-ended section.
func (b *BaselineCharacteristics) CompletenessPct() float64 {
	if b == nil {
		return 0
	}
	total := 0
	filled := 0

	total++
	if b.SampleSize != nil {
		filled++
	}
	for _, f := range b.coreFields() {
		total++
		if f != nil {
			filled++
		}
	}
	total++
	if len(b.PriorTherapyUse) > 0 {
		filled++
	}
	total++
	if len(b.DiseaseSpecificBaseline) > 0 {
		filled++
	}
	total++
	if len(b.BaselineSeverityScores) > 0 {
		filled++
	}

	return 100 * float64(filled) / float64(total)
}

// Empty reports whether nothing was extracted into b.
func (b *BaselineCharacteristics) Empty() bool {
	if b == nil {
		return true
	}
	if b.SampleSize != nil {
		return false
	}
	for _, f := range b.coreFields() {
		if f != nil {
			return false
		}
	}
	return len(b.PriorTherapyUse) == 0 &&
		len(b.DiseaseSpecificBaseline) == 0 &&
		len(b.BaselineSeverityScores) == 0 &&
		len(b.Details) == 0
}
