package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialdex/extract-cli/internal/model"
)

func TestRunSafetyStage(t *testing.T) {
	engine := newFakeEngine().on(`[
		{"event_name": "Any adverse event", "severity": "any", "patients_affected": 114,
		 "total_n": 125, "incidence_pct": 91.2, "source_table": "Table 3"},
		{"event_name": "Serious infection", "severity": "serious", "patients_affected": 9,
		 "total_n": 125, "incidence_pct": 7.2, "timepoint": "through Week 104", "source_table": "Table 3"},
		{"event_name": ""}
	]`, "adverse event profile")
	runner, _ := newTestRunner(engine)

	arm := model.TrialArm{ArmName: "Obinutuzumab 1000 mg"}
	res := runSafetyStage(context.Background(), runner, testExtractionContext(), arm)
	require.False(t, res.Degraded())

	require.Len(t, res.Value, 2, "unnamed events drop")
	assert.Equal(t, "Any adverse event", res.Value[0].Name)
	require.NotNil(t, res.Value[0].PatientsAffected)
	assert.Equal(t, 114, *res.Value[0].PatientsAffected)
	assert.Equal(t, "through Week 104", res.Value[1].Timepoint)

	assert.Equal(t, 1, engine.promptsContaining("Arm: Obinutuzumab 1000 mg", "=== Table 3 ==="))
}

func TestRunSafetyStageUsesFullTextWhenBucketEmpty(t *testing.T) {
	engine := newFakeEngine().on(`[]`, "adverse event profile")
	runner, _ := newTestRunner(engine)

	ec := testExtractionContext()
	ec.buckets.Safety = nil
	res := runSafetyStage(context.Background(), runner, ec, model.TrialArm{ArmName: "Placebo"})

	require.False(t, res.Degraded())
	assert.Nil(t, res.Value)
	assert.Equal(t, 1, engine.promptsContaining("no table was assigned to this category"))
}
