// Package metrics accumulates per-run extraction metrics. One Collector is
// created per orchestration run and passed by reference into the arm
// workers, so every increment must be safe under concurrent use.
package metrics

import (
	"sync"
	"time"

	"github.com/trialdex/extract-cli/internal/cost"
	"github.com/trialdex/extract-cli/internal/model"
)

// Collector records calls, token usage, stage timings and degradations for
// one orchestration run. The zero value is not usable; use NewCollector.
type Collector struct {
	mu       sync.Mutex
	start    time.Time
	elapsed  time.Duration
	finished bool

	apiCalls int
	usage    map[string]model.TokenUsage
	stages   map[string]time.Duration

	arms      int
	endpoints int
	figures   int
	tables    int

	warnings []string
	errors   []string
}

// NewCollector starts a collector; the run clock starts immediately.
func NewCollector() *Collector {
	return &Collector{
		start:  time.Now(),
		usage:  make(map[string]model.TokenUsage),
		stages: make(map[string]time.Duration),
	}
}

// RecordCall adds one engine call and its token usage under the model id.
func (c *Collector) RecordCall(modelID string, u model.TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiCalls++
	c.usage[modelID] = c.usage[modelID].Add(u)
}

// RecordStage adds wall-clock time spent in the named stage. Repeated calls
// for the same stage (one per arm) are summed.
func (c *Collector) RecordStage(stage string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages[stage] += d
}

// AddArms increments the processed-arm count.
func (c *Collector) AddArms(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arms += n
}

// AddEndpoints increments the extracted-endpoint count.
func (c *Collector) AddEndpoints(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints += n
}

// AddFigures increments the processed-figure count.
func (c *Collector) AddFigures(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.figures += n
}

// AddTables increments the processed-table count.
func (c *Collector) AddTables(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables += n
}

// AddWarning appends a degradation note surfaced to the caller.
func (c *Collector) AddWarning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, msg)
}

// AddError appends a non-fatal error note surfaced to the caller.
func (c *Collector) AddError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, msg)
}

// Finish freezes the run clock. Later Snapshot calls report the frozen
// duration; Finish is idempotent.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.elapsed = time.Since(c.start)
		c.finished = true
	}
}

// Snapshot returns a copy of the current metrics. Cost is derived from the
// recorded usage with calc; a nil calc reports zero cost.
func (c *Collector) Snapshot(calc *cost.Calculator) *model.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.elapsed
	if !c.finished {
		elapsed = time.Since(c.start)
	}

	snap := &model.MetricsSnapshot{
		APICalls:           c.apiCalls,
		UsageByModel:       make(map[string]model.TokenUsage, len(c.usage)),
		StageDurationsMS:   make(map[string]int64, len(c.stages)),
		TotalDurationMS:    elapsed.Milliseconds(),
		ArmsProcessed:      c.arms,
		EndpointsExtracted: c.endpoints,
		FiguresProcessed:   c.figures,
		TablesProcessed:    c.tables,
		Warnings:           append([]string(nil), c.warnings...),
		Errors:             append([]string(nil), c.errors...),
	}

	for id, u := range c.usage {
		snap.UsageByModel[id] = u
		snap.TotalInputTokens += u.Input
		snap.TotalOutputTokens += u.Output
		snap.ThinkingTokens += u.Thinking
		snap.CacheWriteTokens += u.CacheCreation
		snap.CacheReadTokens += u.CacheRead
		if calc != nil {
			snap.EstimatedCostUSD += calc.Claude(id, u.Input, u.Output, u.CacheCreation, u.CacheRead)
		}
	}
	for stage, d := range c.stages {
		snap.StageDurationsMS[stage] = d.Milliseconds()
	}
	return snap
}
