package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/fetcher"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/monitoring"
	"github.com/trialdex/extract-cli/internal/pipeline"
	"github.com/trialdex/extract-cli/internal/resilience"
	"github.com/trialdex/extract-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initExtraction(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		dlq := resilience.NewFileDLQ(cfg.Batch.DLQPath)
		collector := monitoring.NewCollector(env.Store, dlq)

		// Run-health alerting, when a webhook is configured.
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		resolver := newResolver()
		router := newRouter(env.Store, collector, cfg.Server.AllowedOrigins, func(req extractRequest) {
			serveExtract(ctx, env, resolver, req)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// extractRequest is the body of POST /v1/extract.
type extractRequest struct {
	PMCID      string `json:"pmcid"`
	NCTID      string `json:"nct_id,omitempty"`
	DrugName   string `json:"drug_name"`
	TrialName  string `json:"trial_name,omitempty"`
	Indication string `json:"indication,omitempty"`
}

// newRouter builds the HTTP API. start is invoked in a goroutine for each
// accepted extraction request.
func newRouter(st store.Store, collector *monitoring.Collector, allowedOrigins []string, start func(extractRequest)) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/v1/extract", func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.PMCID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pmcid is required"})
			return
		}
		if req.DrugName == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "drug_name is required"})
			return
		}

		// Run extraction asynchronously
		go start(req)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"pmcid":  req.PMCID,
		})
	})

	r.Get("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if h := r.URL.Query().Get("hours"); h != "" {
			parsed, err := strconv.Atoi(h)
			if err != nil || parsed < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be a positive integer"})
				return
			}
			hours = parsed
		}

		stats, err := collector.Collect(r.Context(), hours)
		if err != nil {
			zap.L().Error("stats collection failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats collection failed"})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		runs, err := st.ListRuns(r.Context(), store.RunFilter{
			Status:   model.RunStatus(r.URL.Query().Get("status")),
			NCTID:    r.URL.Query().Get("nct"),
			DrugName: r.URL.Query().Get("drug"),
			Limit:    limit,
		})
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
			return
		}
		if runs == nil {
			runs = []model.ExtractionRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/v1/runs/{runID}", func(w http.ResponseWriter, r *http.Request) {
		run, err := st.GetRun(r.Context(), chi.URLParam(r, "runID"))
		if err != nil {
			if strings.Contains(err.Error(), "not found") {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
				return
			}
			zap.L().Error("get run failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get run failed"})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	return r
}

// serveExtract fetches the requested paper and runs extraction. It runs on
// the server's root context so an accepted request survives the HTTP
// exchange that queued it.
func serveExtract(ctx context.Context, env *extractEnv, resolver *fetcher.PMCResolver, req extractRequest) {
	log := zap.L().With(
		zap.String("pmcid", req.PMCID),
		zap.String("drug", req.DrugName),
	)

	paper, err := resolver.FetchPaper(ctx, req.PMCID)
	if err != nil {
		log.Error("webhook fetch failed", zap.Error(err))
		return
	}

	result, err := env.Orchestrator.Run(ctx, pipeline.ExtractionRequest{
		NCTID:      req.NCTID,
		DrugName:   req.DrugName,
		TrialName:  req.TrialName,
		Indication: req.Indication,
		Paper:      paper,
	})
	persistRun(ctx, env.Store, result)
	if err != nil {
		log.Error("webhook extraction failed", zap.Error(err))
		return
	}

	log.Info("webhook extraction complete",
		zap.String("nct_id", result.NCTID),
		zap.String("status", string(result.Status)),
		zap.Int("arms_extracted", len(result.Extractions)),
	)
}

// requestLogger logs each request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
