package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/config"
	"github.com/trialdex/extract-cli/internal/llmjson"
	"github.com/trialdex/extract-cli/internal/metrics"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/resilience"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

// StageStatus reports how a stage concluded.
type StageStatus int

const (
	StageOK StageStatus = iota
	StageDegraded
)

// StageResult carries a stage's typed output. A degraded stage holds the
// stage default plus the error that forced the fallback, so callers always
// have a usable Value and never see an engine failure as a panic or a nil.
type StageResult[T any] struct {
	Value  T
	Status StageStatus
	Err    error
}

// Degraded reports whether the stage fell back to its default value.
func (r StageResult[T]) Degraded() bool { return r.Status == StageDegraded }

// StageSpec describes one engine invocation. MaxTokens budgets the visible
// output; when ThinkingBudget is set the runner adds it on top so reasoning
// never starves the answer.
type StageSpec struct {
	Stage          string
	Model          string
	Prompt         string
	System         []anthropic.SystemBlock
	MaxTokens      int64
	ThinkingBudget int64
	Images         []anthropic.Image
}

// StageRunner executes engine stages with retry, circuit breaking, and
// per-call metrics recording. One runner is shared by every stage of a run;
// all of its fields are safe for concurrent use.
type StageRunner struct {
	engine   anthropic.Client
	models   config.AnthropicConfig
	thinking int64
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Collector
}

// fullBudget is the configured thinking budget, spent on the stages that
// carry the run: section identification and efficacy.
func (r *StageRunner) fullBudget() int64 {
	if r.thinking < minThinkingTokens {
		return 0
	}
	return r.thinking
}

// halfBudget is the reduced budget for the mid-weight stages. Budgets under
// the API minimum disable extended thinking rather than sending an invalid
// request.
func (r *StageRunner) halfBudget() int64 {
	half := r.thinking / 2
	if half < minThinkingTokens {
		return 0
	}
	return half
}

const minThinkingTokens = 1024

// NewStageRunner wires a runner from the pipeline config. The breaker may be
// nil to disable circuit breaking.
func NewStageRunner(engine anthropic.Client, cfg *config.Config, collector *metrics.Collector) *StageRunner {
	retry := resilience.FromRetryConfig(
		cfg.Pipeline.Retry.MaxAttempts,
		cfg.Pipeline.Retry.InitialBackoffMs,
		cfg.Pipeline.Retry.MaxBackoffMs,
		cfg.Pipeline.Retry.Multiplier,
		cfg.Pipeline.Retry.JitterFraction,
	)
	breaker := resilience.NewCircuitBreaker(resilience.FromCircuitConfig(
		cfg.Pipeline.Circuit.FailureThreshold,
		cfg.Pipeline.Circuit.ResetTimeoutSecs,
	))
	return &StageRunner{
		engine:   engine,
		models:   cfg.Anthropic,
		thinking: int64(cfg.Pipeline.ThinkingBudget),
		retry:    retry,
		breaker:  breaker,
		metrics:  collector,
	}
}

// classifyEngineError marks retryable engine failures as transient so the
// retry layer distinguishes them from validation and request errors.
func classifyEngineError(err error) error {
	if code := anthropic.StatusCode(err); code != 0 {
		if resilience.IsTransientHTTPStatus(code) {
			return resilience.NewTransientError(err, code)
		}
		return err
	}
	return err
}

// Complete runs one engine call with retries and returns the response text.
// Token usage, call count, and stage duration are recorded whether or not
// the call succeeds.
func (r *StageRunner) Complete(ctx context.Context, spec StageSpec) (string, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordStage(spec.Stage, time.Since(start))
	}()

	maxTokens := spec.MaxTokens
	if spec.ThinkingBudget > 0 {
		maxTokens += spec.ThinkingBudget
	}
	req := anthropic.MessageRequest{
		Model:          spec.Model,
		MaxTokens:      maxTokens,
		System:         spec.System,
		ThinkingBudget: spec.ThinkingBudget,
		Messages: []anthropic.Message{
			{Role: "user", Content: spec.Prompt, Images: spec.Images},
		},
	}

	retry := r.retry
	retry.OnRetry = resilience.RetryLogger("anthropic", spec.Stage)

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := r.engine.CreateMessage(ctx, req)
			if err != nil {
				return nil, classifyEngineError(err)
			}
			return resp, nil
		}
		if r.breaker == nil {
			return call(ctx)
		}
		return resilience.ExecuteVal(ctx, r.breaker, call)
	})
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: %s stage", spec.Stage)
	}

	usage := model.TokenUsage{
		Input:         resp.Usage.InputTokens,
		Output:        resp.Usage.OutputTokens,
		CacheCreation: resp.Usage.CacheCreationInputTokens,
		CacheRead:     resp.Usage.CacheReadInputTokens,
	}
	if thinking := resp.ThinkingText(); thinking != "" {
		// The API does not itemize thinking tokens; estimate from length.
		usage.Thinking = int64(len(thinking) / 4)
	}
	modelID := resp.Model
	if modelID == "" {
		modelID = spec.Model
	}
	r.metrics.RecordCall(modelID, usage)

	return resp.Text(), nil
}

// RunStage executes spec and decodes the JSON response into T. An exhausted
// engine call or an unparseable response degrades to fallback; stages never
// propagate an error into the arm pipeline.
func RunStage[T any](ctx context.Context, r *StageRunner, spec StageSpec, shape llmjson.Shape, fallback T) StageResult[T] {
	text, err := r.Complete(ctx, spec)
	if err != nil {
		r.metrics.AddError(fmt.Sprintf("%s: %v", spec.Stage, err))
		return degraded(spec.Stage, fallback, err)
	}

	raw, err := llmjson.Parse(text, shape)
	if err != nil {
		r.metrics.AddWarning(fmt.Sprintf("%s: unparseable response", spec.Stage))
		return degraded(spec.Stage, fallback, err)
	}

	var value T
	if err := llmjson.Decode(raw, &value); err != nil {
		r.metrics.AddWarning(fmt.Sprintf("%s: response did not decode", spec.Stage))
		return degraded(spec.Stage, fallback, err)
	}
	return StageResult[T]{Value: value, Status: StageOK}
}

func degraded[T any](stage string, fallback T, err error) StageResult[T] {
	zap.L().Warn("stage degraded to default",
		zap.String("stage", stage),
		zap.Error(err))
	return StageResult[T]{Value: fallback, Status: StageDegraded, Err: err}
}
