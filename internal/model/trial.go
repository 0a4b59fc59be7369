package model

import "strings"

// TrialDesign holds trial-level design metadata, extracted once per run and
// immutable afterwards.
type TrialDesign struct {
	NCTID              string   `json:"nct_id"`
	Indication         string   `json:"indication,omitempty"`
	DesignSummary      string   `json:"design_summary,omitempty"`
	InclusionCriteria  []string `json:"inclusion_criteria,omitempty"`
	ExclusionCriteria  []string `json:"exclusion_criteria,omitempty"`
	PlannedEnrollment  *int     `json:"planned_enrollment,omitempty"`
	ActualEnrollment   *int     `json:"actual_enrollment,omitempty"`
	DurationWeeks      *float64 `json:"duration_weeks,omitempty"`
	RandomizationRatio string   `json:"randomization_ratio,omitempty"`
	Blinding           string   `json:"blinding,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

// TrialArm identifies one treatment or control group. Produced by the
// section-identification stage; the normalized name is the identity key for
// everything downstream.
type TrialArm struct {
	ArmName           string `json:"arm_name"`
	DosingRegimen     string `json:"dosing_regimen,omitempty"`
	BackgroundTherapy string `json:"background_therapy,omitempty"`
	NPatients         *int   `json:"n_patients,omitempty"`
}

// NormalizedName returns the lower-cased, whitespace-collapsed arm name used
// for identity matching across stages.
func (a TrialArm) NormalizedName() string {
	return strings.Join(strings.Fields(strings.ToLower(a.ArmName)), " ")
}

// TableBuckets is the section-identification assignment of table labels to
// the per-arm stages that consume them.
type TableBuckets struct {
	Baseline []string `json:"baseline,omitempty"`
	Efficacy []string `json:"efficacy,omitempty"`
	Safety   []string `json:"safety,omitempty"`
}

// SectionIdentification is the output of the section-identification stage.
type SectionIdentification struct {
	Arms       []TrialArm   `json:"arms"`
	Buckets    TableBuckets `json:"table_assignments"`
	Confidence float64      `json:"confidence,omitempty"`
}
