package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/fetcher"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/ctgov"
	"github.com/trialdex/extract-cli/pkg/pubmed"
)

var (
	fetchPMCID  string
	fetchNCT    string
	fetchOutput string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch a paper from PubMed Central",
	Long:  "Downloads the Open Access package for a PMCID (or resolves one from an NCT number via PubMed), parses the JATS full text, and writes a paper JSON file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("fetch"); err != nil {
			return err
		}
		if fetchPMCID == "" && fetchNCT == "" {
			return eris.New("one of --pmcid or --nct is required")
		}

		pmcid := fetchPMCID
		var article *pubmed.Article
		if pmcid == "" {
			var err error
			pmcid, article, err = findFullTextArticle(ctx, newPubMedClient(), fetchNCT)
			if err != nil {
				return err
			}
			zap.L().Info("resolved pmcid via pubmed",
				zap.String("nct_id", fetchNCT),
				zap.String("pmid", article.PMID),
				zap.String("pmcid", pmcid),
			)
		}

		paper, err := newResolver().FetchPaper(ctx, pmcid)
		if err != nil {
			return eris.Wrapf(err, "fetch %s", pmcid)
		}

		if article != nil && paper.Meta.Indication == "" {
			paper.Meta.Indication = article.Indication()
		}
		if fetchNCT != "" {
			enrichFromRegistry(ctx, paper, fetchNCT)
		}

		out := fetchOutput
		if out == "" {
			out = paper.Meta.PMCID + ".json"
		}
		if err := fetcher.SavePaper(paper, out); err != nil {
			return err
		}

		zap.L().Info("paper saved",
			zap.String("path", out),
			zap.String("title", paper.Meta.Title),
			zap.Int("content_chars", len(paper.Content)),
			zap.Int("tables", len(paper.Tables)),
			zap.Int("figures", len(paper.Figures)),
		)
		return nil
	},
}

func newPubMedClient() pubmed.Client {
	var opts []pubmed.Option
	if cfg.PubMed.BaseURL != "" {
		opts = append(opts, pubmed.WithBaseURL(cfg.PubMed.BaseURL))
	}
	if cfg.PubMed.APIKey != "" {
		opts = append(opts, pubmed.WithAPIKey(cfg.PubMed.APIKey))
	}
	if cfg.PubMed.RatePerSec > 0 {
		opts = append(opts, pubmed.WithRateLimit(cfg.PubMed.RatePerSec))
	}
	return pubmed.NewClient(opts...)
}

func newResolver() *fetcher.PMCResolver {
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	ftpFetcher := fetcher.NewFTPFetcher(fetcher.FTPOptions{Host: cfg.PMC.FTPHost})
	return fetcher.NewPMCResolver(httpFetcher, ftpFetcher, cfg.PMC.OABaseURL, cfg.PMC.TempDir)
}

// findFullTextArticle looks up the papers linked to an NCT number and returns
// the first one with a PMC full-text deposit.
func findFullTextArticle(ctx context.Context, pm pubmed.Client, nctID string) (string, *pubmed.Article, error) {
	pmids, err := pm.FindByNCT(ctx, nctID)
	if err != nil {
		return "", nil, eris.Wrapf(err, "pubmed lookup for %s", nctID)
	}
	if len(pmids) == 0 {
		return "", nil, eris.Errorf("no publications indexed for %s", nctID)
	}

	for _, pmid := range pmids {
		article, err := pm.FetchArticle(ctx, pmid)
		if err != nil {
			zap.L().Warn("skipping article",
				zap.String("pmid", pmid),
				zap.Error(err),
			)
			continue
		}
		if article.HasFullText() {
			return article.PMCID, article, nil
		}
	}
	return "", nil, eris.Errorf("none of the %d publications for %s has PMC full text", len(pmids), nctID)
}

// enrichFromRegistry fills paper metadata gaps from the ClinicalTrials.gov
// record. Registry errors only log: the paper itself is already in hand.
func enrichFromRegistry(ctx context.Context, paper *model.Paper, nctID string) {
	var opts []ctgov.Option
	if cfg.CTGov.BaseURL != "" {
		opts = append(opts, ctgov.WithBaseURL(cfg.CTGov.BaseURL))
	}
	study, err := ctgov.NewClient(opts...).GetStudy(ctx, nctID)
	if err != nil {
		zap.L().Warn("registry lookup failed",
			zap.String("nct_id", nctID),
			zap.Error(err),
		)
		return
	}

	if paper.Meta.Indication == "" {
		paper.Meta.Indication = study.Indication()
	}
	zap.L().Info("registry study found",
		zap.String("nct_id", nctID),
		zap.String("trial", study.TrialName()),
		zap.String("phase", study.Phase()),
		zap.Int("enrollment", study.Enrollment()),
		zap.Strings("arms", study.ArmLabels()),
	)
}

func init() {
	fetchCmd.Flags().StringVar(&fetchPMCID, "pmcid", "", "PMC id of the paper, e.g. PMC7654321")
	fetchCmd.Flags().StringVar(&fetchNCT, "nct", "", "NCT number to resolve a full-text paper for")
	fetchCmd.Flags().StringVar(&fetchOutput, "output", "", "output path (default <pmcid>.json)")
	rootCmd.AddCommand(fetchCmd)
}
