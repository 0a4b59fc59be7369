package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/model"
)

// ExtractArm runs the fixed stage sequence for one arm and assembles its
// extraction record. Every stage degrades instead of failing, so the only
// way an arm errors is a panic, which the recover boundary converts into
// ArmResult.Error without touching sibling arms.
func ExtractArm(ctx context.Context, r *StageRunner, ec *extractionContext, index, total int, arm model.TrialArm, progress ProgressFunc) (result model.ArmResult) {
	extraction := &model.ClinicalTrialExtraction{
		NCTID:             ec.req.NCTID,
		TrialName:         ec.req.TrialName,
		DrugName:          ec.req.DrugName,
		Indication:        ec.req.Indication,
		ArmName:           arm.ArmName,
		DosingRegimen:     arm.DosingRegimen,
		BackgroundTherapy: arm.BackgroundTherapy,
		NPatients:         arm.NPatients,
	}

	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("arm pipeline panicked",
				zap.String("arm", arm.ArmName),
				zap.Any("panic", rec))
			result = model.ArmResult{
				Index:      index,
				Arm:        arm,
				Extraction: extraction,
				Error:      fmt.Sprintf("panic: %v", rec),
			}
		}
	}()

	report := func(stageIdx int, stage, msg string) {
		progress.report(ProgressUpdate{
			Stage:      stage,
			StageIndex: stageIdx + 1,
			StageTotal: len(armStageOrder),
			ArmIndex:   index + 1,
			ArmTotal:   total,
			Message:    msg,
		})
	}

	report(0, StageDemographics, "extracting demographics")
	baseline := runDemographics(ctx, r, ec, arm).Value

	report(1, StagePriorMeds, "extracting prior medications")
	mergePriorMedications(&baseline, runPriorMedications(ctx, r, ec, arm))

	report(2, StageDiseaseBase, "extracting disease-specific baseline")
	mergeDiseaseBaseline(&baseline, runDiseaseBaseline(ctx, r, ec, arm))

	if !baseline.Empty() {
		extraction.Baseline = &baseline
	}

	report(3, StageEfficacy, "extracting efficacy endpoints")
	endpoints := runEfficacyStage(ctx, r, ec, arm).Value

	if len(ec.figures) > 0 {
		report(4, StageFigures, "reading efficacy figures")
		endpoints = append(endpoints, runFigureStage(ctx, r, ec, arm).Value...)
	}
	extraction.Efficacy = DedupeEfficacy(ec.aliases, endpoints)

	report(5, StageSafety, "extracting safety profile")
	extraction.Safety = runSafetyStage(ctx, r, ec, arm).Value

	r.metrics.AddEndpoints(len(extraction.Efficacy) + len(extraction.Safety))

	zap.L().Info("arm extracted",
		zap.String("arm", arm.ArmName),
		zap.Int("efficacy_endpoints", len(extraction.Efficacy)),
		zap.Int("safety_endpoints", len(extraction.Safety)),
		zap.Bool("baseline", extraction.Baseline != nil))

	return model.ArmResult{Index: index, Arm: arm, Extraction: extraction}
}
