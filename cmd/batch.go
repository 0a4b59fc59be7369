package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trialdex/extract-cli/internal/export"
	"github.com/trialdex/extract-cli/internal/fetcher"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/pipeline"
	"github.com/trialdex/extract-cli/internal/resilience"
	"github.com/trialdex/extract-cli/pkg/pubmed"
)

var (
	batchWorklist    string
	batchPapersDir   string
	batchOutputDir   string
	batchLimit       int
	batchFetch       bool
	batchRetryFailed bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Batch extract trials from a worklist",
	Long:  "Runs extraction for every row of a CSV or XLSX worklist. Failed papers are parked in a dead-letter queue and can be re-driven with --retry-failed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initExtraction(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		dlq := resilience.NewFileDLQ(cfg.Batch.DLQPath)

		var jobs []paperJob
		if batchRetryFailed {
			entries, err := dlq.Dequeue(resilience.DLQFilter{})
			if err != nil {
				return err
			}
			jobs = dlqJobs(entries)
		} else {
			if batchWorklist == "" {
				return eris.New("--worklist is required (or --retry-failed)")
			}
			entries, err := fetcher.ReadWorklist(batchWorklist)
			if err != nil {
				return err
			}
			jobs = worklistJobs(entries)
		}

		var (
			pm       pubmed.Client
			resolver *fetcher.PMCResolver
		)
		if batchFetch {
			pm = newPubMedClient()
			resolver = newResolver()
			if err := os.MkdirAll(batchPapersDir, 0o755); err != nil {
				return eris.Wrap(err, "create papers dir")
			}
		}
		if batchOutputDir != "" {
			if err := os.MkdirAll(batchOutputDir, 0o755); err != nil {
				return eris.Wrap(err, "create output dir")
			}
		}

		return processPapers(ctx, jobs, batchLimit, cfg.Batch.MaxConcurrentPapers, cfg.Batch.MaxRetries, dlq, func(ctx context.Context, job *paperJob) (*model.ExtractionResult, error) {
			return runPaperJob(ctx, env, pm, resolver, job)
		})
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchWorklist, "worklist", "", "CSV or XLSX worklist of papers to extract")
	batchCmd.Flags().StringVar(&batchPapersDir, "papers-dir", "papers", "directory of fetched paper JSON files, keyed <pmcid>.json")
	batchCmd.Flags().StringVar(&batchOutputDir, "output-dir", "", "write an Excel workbook per trial to this directory")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of papers to process (0 = all)")
	batchCmd.Flags().BoolVar(&batchFetch, "fetch", false, "download papers missing from --papers-dir")
	batchCmd.Flags().BoolVar(&batchRetryFailed, "retry-failed", false, "re-drive due entries from the dead-letter queue instead of a worklist")
	rootCmd.AddCommand(batchCmd)
}

// paperJob is one unit of batch work, built from a worklist row or re-driven
// from the dead-letter queue.
type paperJob struct {
	PMCID      string
	PMID       string
	NCTID      string
	DrugName   string
	TrialName  string
	Indication string

	dlqID         string
	dlqRetryCount int
	failedStage   string
}

func (j *paperJob) label() string {
	if j.PMCID != "" {
		return j.PMCID
	}
	if j.PMID != "" {
		return "PMID:" + j.PMID
	}
	return j.NCTID
}

func worklistJobs(entries []fetcher.WorklistEntry) []paperJob {
	jobs := make([]paperJob, len(entries))
	for i, e := range entries {
		jobs[i] = paperJob{
			PMCID:      e.PMCID,
			PMID:       e.PMID,
			NCTID:      e.NCTID,
			DrugName:   e.DrugName,
			TrialName:  e.TrialName,
			Indication: e.Indication,
		}
	}
	return jobs
}

func dlqJobs(entries []resilience.DLQEntry) []paperJob {
	jobs := make([]paperJob, len(entries))
	for i, e := range entries {
		jobs[i] = paperJob{
			NCTID:         e.NCTID,
			DrugName:      e.DrugName,
			dlqID:         e.ID,
			dlqRetryCount: e.RetryCount,
		}
		if strings.HasPrefix(e.Source, "PMC") {
			jobs[i].PMCID = e.Source
		} else {
			jobs[i].PMID = e.Source
		}
	}
	return jobs
}

// runFunc is the callback signature for extracting one paper job.
type runFunc func(ctx context.Context, job *paperJob) (*model.ExtractionResult, error)

// processPapers applies limit, then runs jobs concurrently. When a dead-letter
// queue is provided, failed jobs are parked in it and re-driven jobs that
// succeed are cleared from it.
func processPapers(ctx context.Context, jobs []paperJob, limit, concurrency, maxRetries int, dlq *resilience.FileDLQ, run runFunc) error {
	if len(jobs) == 0 {
		zap.L().Info("no papers to process")
		return nil
	}

	// Apply limit
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("papers", len(jobs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			log := zap.L().With(
				zap.String("paper", job.label()),
				zap.String("drug", job.DrugName),
			)

			result, err := run(gctx, job)
			if err != nil {
				failed.Add(1)
				log.Error("extraction failed", zap.Error(err))
				if dlq != nil {
					if pErr := parkFailure(dlq, job, err, maxRetries); pErr != nil {
						log.Warn("failed to park job in dead-letter queue", zap.Error(pErr))
					}
				}
				return nil // don't abort batch on individual failure
			}

			succeeded.Add(1)
			if dlq != nil && job.dlqID != "" {
				if rErr := dlq.Remove(job.dlqID); rErr != nil {
					log.Warn("failed to clear dead-letter entry", zap.Error(rErr))
				}
			}
			log.Info("extraction complete",
				zap.String("status", string(result.Status)),
				zap.Int("arms_extracted", len(result.Extractions)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

// runPaperJob loads the paper for a job, runs extraction, records the run,
// and optionally writes a workbook.
func runPaperJob(ctx context.Context, env *extractEnv, pm pubmed.Client, resolver *fetcher.PMCResolver, job *paperJob) (*model.ExtractionResult, error) {
	paper, err := loadPaperForJob(ctx, pm, resolver, job)
	if err != nil {
		job.failedStage = "fetch"
		return nil, err
	}
	job.failedStage = "extract"

	result, runErr := env.Orchestrator.Run(ctx, pipeline.ExtractionRequest{
		NCTID:      job.NCTID,
		DrugName:   job.DrugName,
		TrialName:  job.TrialName,
		Indication: job.Indication,
		Paper:      paper,
	})
	persistRun(ctx, env.Store, result)
	if runErr != nil {
		return nil, runErr
	}

	if batchOutputDir != "" {
		path := filepath.Join(batchOutputDir, workbookName(result))
		if wErr := export.WriteWorkbook(result, path); wErr != nil {
			zap.L().Warn("failed to write workbook",
				zap.String("path", path),
				zap.Error(wErr),
			)
		}
	}
	return result, nil
}

// loadPaperForJob finds the job's paper: a local copy under --papers-dir
// first, then a PMC download when --fetch is set. Downloads are cached back
// into --papers-dir. PMID-only jobs are resolved to a PMCID via PubMed.
func loadPaperForJob(ctx context.Context, pm pubmed.Client, resolver *fetcher.PMCResolver, job *paperJob) (*model.Paper, error) {
	if job.PMCID == "" && job.PMID != "" && pm != nil {
		article, err := pm.FetchArticle(ctx, job.PMID)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve pmid %s", job.PMID)
		}
		if !article.HasFullText() {
			return nil, eris.Errorf("pmid %s has no PMC full text", job.PMID)
		}
		job.PMCID = article.PMCID
	}
	if job.PMCID == "" {
		return nil, eris.Errorf("no pmcid for %s (use --fetch to resolve pmids)", job.label())
	}

	path := filepath.Join(batchPapersDir, job.PMCID+".json")
	if _, err := os.Stat(path); err == nil {
		return fetcher.LoadPaper(path)
	}
	if resolver == nil {
		return nil, eris.Errorf("paper %s not in %s (use --fetch to download)", job.PMCID, batchPapersDir)
	}

	paper, err := resolver.FetchPaper(ctx, job.PMCID)
	if err != nil {
		return nil, err
	}
	if err := fetcher.SavePaper(paper, path); err != nil {
		zap.L().Warn("failed to cache paper",
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return paper, nil
}

// parkFailure records a failed job in the dead-letter queue, or pushes out
// the next attempt for a job that came from the queue.
func parkFailure(dlq *resilience.FileDLQ, job *paperJob, jobErr error, maxRetries int) error {
	if job.dlqID != "" {
		return dlq.IncrementRetry(job.dlqID, dlqNextRetry(job.dlqRetryCount+1), jobErr.Error())
	}

	source := job.PMCID
	if source == "" {
		source = job.PMID
	}
	return dlq.Enqueue(resilience.DLQEntry{
		NCTID:       job.NCTID,
		Source:      source,
		DrugName:    job.DrugName,
		Error:       jobErr.Error(),
		ErrorType:   resilience.ClassifyError(jobErr),
		FailedStage: job.failedStage,
		MaxRetries:  maxRetries,
		NextRetryAt: dlqNextRetry(0),
	})
}

// dlqNextRetry spaces attempts exponentially starting at 15 minutes, capped
// at 6 hours.
func dlqNextRetry(retryCount int) time.Time {
	if retryCount > 5 {
		retryCount = 5
	}
	delay := 15 * time.Minute << uint(retryCount)
	if delay > 6*time.Hour {
		delay = 6 * time.Hour
	}
	return time.Now().Add(delay)
}

// workbookName builds a filesystem-safe workbook file name for a result.
func workbookName(result *model.ExtractionResult) string {
	base := result.NCTID
	if base == "" {
		base = "trial"
	}
	if result.DrugName != "" {
		base += "_" + result.DrugName
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	return base + ".xlsx"
}
