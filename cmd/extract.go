package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/export"
	"github.com/trialdex/extract-cli/internal/fetcher"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/pipeline"
	"github.com/trialdex/extract-cli/pkg/notion"
)

var (
	extractPaper      string
	extractDrug       string
	extractNCT        string
	extractTrial      string
	extractIndication string
	extractOutput     string
	extractNotion     bool
	extractProgress   bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract trial data from a single fetched paper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initExtraction(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		paper, err := fetcher.LoadPaper(extractPaper)
		if err != nil {
			return err
		}

		if extractProgress {
			env.Orchestrator.Progress = printProgress
		}

		result, runErr := env.Orchestrator.Run(ctx, pipeline.ExtractionRequest{
			NCTID:      extractNCT,
			DrugName:   extractDrug,
			TrialName:  extractTrial,
			Indication: extractIndication,
			Paper:      paper,
		})
		// The result carries status and arm errors even when the run failed.
		persistRun(ctx, env.Store, result)
		if runErr != nil {
			return eris.Wrap(runErr, "extraction run")
		}

		zap.L().Info("extraction complete",
			zap.String("nct_id", result.NCTID),
			zap.String("drug", result.DrugName),
			zap.String("status", string(result.Status)),
			zap.Int("arms_extracted", len(result.Extractions)),
			zap.Float64("cost_usd", resultCost(result)),
		)

		if extractOutput != "" {
			if err := export.WriteWorkbook(result, extractOutput); err != nil {
				return eris.Wrap(err, "write workbook")
			}
			zap.L().Info("workbook written", zap.String("path", extractOutput))
		}

		if extractNotion {
			if err := publishReview(ctx, result); err != nil {
				return err
			}
		}

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// printProgress writes stage updates to stderr, keeping stdout clean for the
// result JSON.
func printProgress(u pipeline.ProgressUpdate) {
	if u.ArmTotal > 0 {
		fmt.Fprintf(os.Stderr, "[%d/%d] %s (arm %d/%d): %s\n",
			u.StageIndex, u.StageTotal, u.Stage, u.ArmIndex, u.ArmTotal, u.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "[%d/%d] %s: %s\n", u.StageIndex, u.StageTotal, u.Stage, u.Message)
}

func resultCost(result *model.ExtractionResult) float64 {
	if result == nil || result.Metrics == nil {
		return 0
	}
	return result.Metrics.EstimatedCostUSD
}

func publishReview(ctx context.Context, result *model.ExtractionResult) error {
	if err := cfg.Validate("notion"); err != nil {
		return err
	}

	nc := notion.NewClient(cfg.Notion.Token)
	pageID, err := export.PublishReview(ctx, nc, cfg.Notion.ReviewDB, result)
	if err != nil {
		return eris.Wrap(err, "publish review page")
	}

	zap.L().Info("review page published",
		zap.String("nct_id", result.NCTID),
		zap.String("page_id", pageID),
	)
	return nil
}

func init() {
	extractCmd.Flags().StringVar(&extractPaper, "paper", "", "path to a fetched paper JSON file (required)")
	extractCmd.Flags().StringVar(&extractDrug, "drug", "", "drug to extract arms for (required)")
	extractCmd.Flags().StringVar(&extractNCT, "nct", "", "NCT number (recovered from the paper when omitted)")
	extractCmd.Flags().StringVar(&extractTrial, "trial", "", "trial name")
	extractCmd.Flags().StringVar(&extractIndication, "indication", "", "disease indication")
	extractCmd.Flags().StringVar(&extractOutput, "output", "", "write an Excel workbook to this path")
	extractCmd.Flags().BoolVar(&extractNotion, "notion", false, "publish a review page to Notion")
	extractCmd.Flags().BoolVar(&extractProgress, "progress", false, "print stage progress to stderr")
	_ = extractCmd.MarkFlagRequired("paper")
	_ = extractCmd.MarkFlagRequired("drug")
	rootCmd.AddCommand(extractCmd)
}
