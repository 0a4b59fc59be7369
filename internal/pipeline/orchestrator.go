package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trialdex/extract-cli/internal/config"
	"github.com/trialdex/extract-cli/internal/cost"
	"github.com/trialdex/extract-cli/internal/metrics"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/store"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

const minContentLength = 500

// Leading text searched for a registry number when the request has none;
// papers print it in the abstract or the trial registration line.
const nctSearchWindow = 4000

var (
	nctPat       = regexp.MustCompile(`^NCT\d{8}$`)
	nctSearchPat = regexp.MustCompile(`NCT\d{8}`)
)

// Orchestrator drives one extraction run end to end: input validation,
// duplicate detection, trial design, table narrowing, section
// identification, per-arm fan-out, and aggregation.
type Orchestrator struct {
	cfg     *config.Config
	engine  anthropic.Client
	store   store.Store
	costs   *cost.Calculator
	aliases *AliasRules

	// Progress receives pipeline updates when set. Safe to leave nil.
	Progress ProgressFunc
}

// NewOrchestrator wires an orchestrator. The store may be nil, in which
// case every trial is re-extracted. A configured alias-rules file that
// fails to load logs a warning and the built-in table is used.
func NewOrchestrator(cfg *config.Config, engine anthropic.Client, st store.Store) *Orchestrator {
	aliases := DefaultAliasRules()
	if cfg.Pipeline.AliasRules != "" {
		loaded, err := LoadAliasRules(cfg.Pipeline.AliasRules)
		if err != nil {
			zap.L().Warn("endpoint alias rules load failed, using built-ins",
				zap.String("path", cfg.Pipeline.AliasRules),
				zap.Error(err))
		} else {
			aliases = loaded
		}
	}
	return &Orchestrator{
		cfg:     cfg,
		engine:  engine,
		store:   st,
		costs:   cost.NewCalculator(cfg.Pricing),
		aliases: aliases,
	}
}

// Run executes the pipeline for one paper. The returned result is non-nil
// on every path, and its metrics always carry the total wall clock, even
// when the run failed validation or short-circuited on a duplicate.
func (o *Orchestrator) Run(ctx context.Context, req ExtractionRequest) (*model.ExtractionResult, error) {
	collector := metrics.NewCollector()
	result := &model.ExtractionResult{
		Status:      model.RunStatusRunning,
		Extractions: []model.ClinicalTrialExtraction{},
	}
	finish := func(status model.RunStatus) *model.ExtractionResult {
		collector.Finish()
		result.Status = status
		result.Metrics = collector.Snapshot(o.costs)
		return result
	}

	// Step 1: validate and complete the request before any engine call.
	if err := o.validateRequest(&req); err != nil {
		result.NCTID = req.NCTID
		result.DrugName = req.DrugName
		return finish(model.RunStatusFailed), err
	}
	result.NCTID = req.NCTID
	result.DrugName = req.DrugName
	result.TrialName = req.TrialName
	result.Indication = req.Indication

	log := zap.L().With(
		zap.String("nct_id", req.NCTID),
		zap.String("drug", req.DrugName))
	log.Info("extraction run starting",
		zap.String("indication", req.Indication),
		zap.Int("tables", len(req.Paper.Tables)),
		zap.Int("figures", len(req.Paper.Figures)))

	// Step 2: duplicate check. A broken store degrades to re-extraction.
	if o.store != nil {
		done, err := o.store.TrialAlreadyExtracted(ctx, req.NCTID, req.DrugName)
		switch {
		case err != nil:
			log.Warn("store unavailable, extracting anyway", zap.Error(err))
			collector.AddWarning("duplicate check skipped: " + err.Error())
		case done:
			if name, err := o.store.GetTrialName(ctx, req.NCTID); err == nil && name != "" {
				result.TrialName = name
			}
			log.Info("trial already extracted, skipping")
			result.Duplicate = true
			return finish(model.RunStatusDuplicate), nil
		}
	}

	runner := NewStageRunner(o.engine, o.cfg, collector)
	paper := req.Paper
	system := buildSystemBlocks(paper)

	// Step 3: trial design, once per run.
	o.reportRunStage(1, StageDesign, "extracting trial design")
	design := DesignStage(ctx, runner, system, req).Value
	result.Design = &design

	// Step 4: table narrowing, caption pass then content pass, strictly in
	// that order. The table list only ever shrinks and is frozen after.
	o.reportRunStage(2, StageTableCaption, fmt.Sprintf("screening %d table captions", len(paper.Tables)))
	paper.Tables = FilterTablesByCaption(ctx, runner, system, req.DrugName, paper.Tables)

	o.reportRunStage(3, StageTableContent, fmt.Sprintf("validating %d table bodies", len(paper.Tables)))
	paper.Tables = ValidateTableContent(ctx, runner, system, paper.Tables)
	collector.AddTables(len(paper.Tables))
	log.Info("tables narrowed", zap.Strings("labels", paper.TableLabels()))

	// Figure triage rides between narrowing and section identification so
	// the arm stages know up front whether a figure pass will happen.
	refs := ScanFigureCaptions(paper.Content)
	var figures []model.FigureImage
	if o.cfg.Pipeline.FigureExtraction && paper.HasFigureData() {
		o.reportRunStage(4, StageFigureTriage, fmt.Sprintf("classifying %d figures", len(refs)))
		kept := TriageFigures(ctx, runner, system, refs)
		figures = selectFigureImages(paper.Figures, kept)
	}
	collector.AddFigures(len(figures))

	// Step 5: section identification.
	o.reportRunStage(5, StageSections, "identifying arms and assigning tables")
	sections := IdentifySections(ctx, runner, system, req, paper).Value
	arms := sections.Arms
	if len(arms) == 0 {
		log.Warn("no treatment arms identified, returning design only")
		collector.AddWarning("section identification found no treatment arms")
		return finish(model.RunStatusComplete), nil
	}

	buckets := model.TableBuckets{
		Baseline: validBucketLabels(paper, sections.Buckets.Baseline),
		Efficacy: validBucketLabels(paper, sections.Buckets.Efficacy),
		Safety:   validBucketLabels(paper, sections.Buckets.Safety),
	}
	if len(buckets.Safety) == 0 {
		if override := SafetyTableOverride(paper.Tables, o.cfg.Pipeline.SafetyTableThreshold); len(override) > 0 {
			log.Info("safety tables located by shape", zap.Strings("labels", override))
			buckets.Safety = override
		}
	}

	ec := &extractionContext{
		req:     req,
		paper:   paper,
		design:  design,
		buckets: buckets,
		refs:    refs,
		figures: figures,
		system:  system,
		aliases: o.aliases,
	}

	// Step 6: per-arm fan-out. Results land at their section-identification
	// index, so output order never depends on scheduling.
	collector.AddArms(len(arms))
	log.Info("extracting arms",
		zap.Int("arms", len(arms)),
		zap.Bool("parallel", o.cfg.Pipeline.Parallel && len(arms) > 1))

	results := make([]model.ArmResult, len(arms))
	if o.cfg.Pipeline.Parallel && len(arms) > 1 {
		limit := o.cfg.Pipeline.MaxConcurrentArms
		if limit <= 0 {
			limit = 1
		}
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, arm := range arms {
			g.Go(func() error {
				results[i] = ExtractArm(gCtx, runner, ec, i, len(arms), arm, o.Progress)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, arm := range arms {
			results[i] = ExtractArm(ctx, runner, ec, i, len(arms), arm, o.Progress)
		}
	}

	// Step 7: aggregate and validate. Arm failures become warnings on the
	// run, not errors; whatever succeeded is worth returning.
	o.reportRunStage(6, StageValidation, "validating extracted records")
	for _, res := range results {
		if res.Error != "" {
			collector.AddWarning(fmt.Sprintf("arm %q: %s", res.Arm.ArmName, res.Error))
			result.ArmErrors = append(result.ArmErrors, res)
			continue
		}
		extraction := res.Extraction
		validation := ValidateExtraction(ctx, runner, ec, extraction)
		if len(validation.Issues) > 0 {
			collector.AddWarning(fmt.Sprintf("validation of arm %q: %s",
				extraction.ArmName, strings.Join(validation.Issues, "; ")))
		}
		extraction.Confidence = ConfidenceScore(extraction)
		result.Extractions = append(result.Extractions, *extraction)
	}

	// Step 8: classify the run and snapshot metrics.
	switch {
	case len(result.Extractions) == len(arms):
		return finish(model.RunStatusComplete), nil
	case len(result.Extractions) > 0:
		return finish(model.RunStatusPartial), nil
	default:
		return finish(model.RunStatusFailed), eris.New("pipeline: every arm failed")
	}
}

func (o *Orchestrator) reportRunStage(index int, stage, msg string) {
	o.Progress.report(ProgressUpdate{
		Stage:      stage,
		StageIndex: index,
		StageTotal: 6,
		Message:    msg,
	})
}

// validateRequest checks and completes the request in place: content floor,
// required drug, indication inference, and registry number recovery. Each
// failure mode has its own message, and all of them precede the first
// engine call.
func (o *Orchestrator) validateRequest(req *ExtractionRequest) error {
	if req.Paper == nil {
		return eris.New("pipeline: no paper on request")
	}
	if len(req.Paper.Content) < minContentLength {
		return eris.Errorf("pipeline: paper content is %d chars, need at least %d; conversion likely failed",
			len(req.Paper.Content), minContentLength)
	}
	if strings.TrimSpace(req.DrugName) == "" {
		return eris.New("pipeline: drug name is required")
	}
	req.DrugName = strings.TrimSpace(req.DrugName)

	if strings.TrimSpace(req.Indication) == "" {
		req.Indication = inferIndication(req.Paper.Meta, req.DrugName)
	}
	if req.Indication == "" {
		return eris.New("pipeline: indication not in request and not inferable from paper metadata")
	}

	req.NCTID = strings.ToUpper(strings.TrimSpace(req.NCTID))
	if !nctPat.MatchString(req.NCTID) {
		window := req.Paper.Content
		if len(window) > nctSearchWindow {
			window = window[:nctSearchWindow]
		}
		found := nctSearchPat.FindString(window)
		if found == "" {
			if req.NCTID == "" {
				return eris.New("pipeline: no NCT number in request and none found in the paper")
			}
			return eris.Errorf("pipeline: %q is not an NCT number and none was found in the paper", req.NCTID)
		}
		req.NCTID = found
	}
	return nil
}

// MeSH headings that describe methodology, demographics, or the treatment
// itself rather than the condition under study.
var meshStopTerms = []string{
	"humans", "male", "female", "adult", "middle aged", "aged",
	"young adult", "adolescent", "child",
	"double-blind method", "single-blind method", "treatment outcome",
	"severity of illness index", "dose-response relationship, drug",
	"drug therapy, combination", "drug administration schedule",
	"follow-up studies", "time factors", "placebos", "remission induction",
}

var meshStopPrefixes = []string{
	"antibodies",
	"antirheumatic agents",
	"immunosuppressive agents",
	"biological products",
}

// inferIndication derives the indication from paper metadata when the
// request omits it: an explicit metadata indication wins, else the first
// MeSH heading that names a condition rather than a method, demographic,
// or the drug itself.
func inferIndication(meta model.PaperMeta, drug string) string {
	if meta.Indication != "" {
		return meta.Indication
	}
	drugLower := strings.ToLower(strings.TrimSpace(drug))

	for _, term := range meta.MeshTerms {
		head, _, _ := strings.Cut(term, "/")
		head = strings.TrimSpace(head)
		key := strings.ToLower(head)
		if key == "" || slices.Contains(meshStopTerms, key) {
			continue
		}
		if drugLower != "" && strings.Contains(key, drugLower) {
			continue
		}
		if hasAnyPrefix(key, meshStopPrefixes) {
			continue
		}
		return head
	}
	return ""
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
