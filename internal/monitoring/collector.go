package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/store"
)

// RunStats is a point-in-time summary of extraction health over a lookback
// window. Served by the stats endpoint and printed by runs --stats.
type RunStats struct {
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsPartial   int     `json:"runs_partial"`
	RunsFailed    int     `json:"runs_failed"`
	RunsDuplicate int     `json:"runs_duplicate"`
	FailRate      float64 `json:"fail_rate"`
	CostUSD       float64 `json:"cost_usd"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgTokens     int64   `json:"avg_tokens"`
	ArmsExtracted int     `json:"arms_extracted"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// DepthReader reports how many failed papers are parked in the dead-letter
// queue.
type DepthReader interface {
	Depth() (int, error)
}

// Collector summarizes stored runs and the dead-letter queue.
type Collector struct {
	store store.Store
	dlq   DepthReader
}

// NewCollector creates a run-stats collector. dlq may be nil when no
// dead-letter queue is configured.
func NewCollector(st store.Store, dlq DepthReader) *Collector {
	return &Collector{store: st, dlq: dlq}
}

// Collect summarizes the runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*RunStats, error) {
	stats := &RunStats{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	stats.RunsTotal = len(runs)
	var totalCost, totalConfidence float64
	var totalTokens int64
	var scored int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			stats.RunsComplete++
		case model.RunStatusPartial:
			stats.RunsPartial++
		case model.RunStatusFailed:
			stats.RunsFailed++
		case model.RunStatusDuplicate:
			stats.RunsDuplicate++
		}
		stats.ArmsExtracted += r.Arms
		totalCost += r.CostUSD
		totalTokens += r.TotalTokens
		if r.Confidence > 0 {
			totalConfidence += r.Confidence
			scored++
		}
	}

	stats.CostUSD = totalCost
	finished := stats.RunsComplete + stats.RunsPartial + stats.RunsFailed
	if finished > 0 {
		stats.FailRate = float64(stats.RunsFailed) / float64(finished)
	}
	if stats.RunsTotal > 0 {
		stats.AvgTokens = totalTokens / int64(stats.RunsTotal)
	}
	if scored > 0 {
		stats.AvgConfidence = totalConfidence / float64(scored)
	}

	if c.dlq != nil {
		depth, err := c.dlq.Depth()
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: read dead-letter queue")
		}
		stats.DLQDepth = depth
	}

	return stats, nil
}
