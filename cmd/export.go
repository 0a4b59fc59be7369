package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/export"
)

var (
	exportOutput string
	exportNotion bool
)

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a stored run to Excel or Notion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		result, err := st.GetResult(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "load result")
		}

		out := exportOutput
		if out == "" {
			out = workbookName(result)
		}
		if err := export.WriteWorkbook(result, out); err != nil {
			return eris.Wrap(err, "write workbook")
		}
		zap.L().Info("workbook written",
			zap.String("run_id", args[0]),
			zap.String("path", out),
		)

		if exportNotion {
			return publishReview(ctx, result)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "workbook path (default <nct>_<drug>.xlsx)")
	exportCmd.Flags().BoolVar(&exportNotion, "notion", false, "publish a review page to Notion")
	rootCmd.AddCommand(exportCmd)
}
