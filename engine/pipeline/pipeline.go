// Package pipeline implements the pipeline orchestrator (§4.2): a
// built, immutable sequence of stages run through the stage runtime
// with middleware dispatch, cache lookup, checkpoint hooks (via
// middleware), and event emission. Grounded on the teacher's
// coreengine/config/pipeline.go (PipelineConfig/AddAgent/Validate
// fluent-builder idiom) for the Builder, and coreengine/runtime/
// runtime.go's runSequentialCore (ordered loop, cancellation checks,
// hook-then-stage-then-hook sequencing) for Execute.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/cache"
	"github.com/stagegraph/flowengine/engine/config"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// Pipeline is immutable after Build. Each Execute call is independent
// except for the shared result cache and the rolling Metrics counters.
type Pipeline struct {
	options     *config.PipelineOptions
	stages      []*engine.Stage
	middlewares []*engine.Middleware
	metrics     *engine.Metrics
	resultCache *cache.Cache
	events      *engine.EventBus
	logger      engine.Logger
}

// Builder accumulates stages/middleware/options before Build validates
// and freezes them into a Pipeline.
type Builder struct {
	options     *config.PipelineOptions
	stages      []*engine.Stage
	middlewares []*engine.Middleware
	resultCache *cache.Cache
	events      *engine.EventBus
	logger      engine.Logger
}

// NewBuilder starts a builder for a pipeline named name, with the
// spec's documented option defaults.
func NewBuilder(name string) *Builder {
	return &Builder{options: config.DefaultPipelineOptions(name)}
}

// WithOptions overrides the pipeline's options wholesale.
func (b *Builder) WithOptions(opts *config.PipelineOptions) *Builder {
	b.options = opts
	return b
}

// AddStage appends a stage to the pipeline's declared order.
func (b *Builder) AddStage(stage *engine.Stage) *Builder {
	b.stages = append(b.stages, stage)
	return b
}

// Use registers a middleware in dispatch order.
func (b *Builder) Use(mw *engine.Middleware) *Builder {
	b.middlewares = append(b.middlewares, mw)
	return b
}

// WithCache attaches the pipeline-level result cache consulted by
// step 2 of Execute. Without one, caching is always bypassed
// regardless of options.EnableCaching.
func (b *Builder) WithCache(c *cache.Cache) *Builder {
	b.resultCache = c
	return b
}

// WithEventBus attaches the bus Execute publishes lifecycle events to.
// Without one, events are simply not emitted.
func (b *Builder) WithEventBus(bus *engine.EventBus) *Builder {
	b.events = bus
	return b
}

// WithLogger attaches a logger used for the build-time warning below
// and for non-fatal middleware-hook error logging during Execute.
func (b *Builder) WithLogger(logger engine.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the accumulated definition per §4.2's build-time
// rules (non-empty stages, unique names, non-fatal warning when no
// middleware is registered) and freezes it into a Pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.options == nil {
		return nil, fmt.Errorf("pipeline: options are required")
	}
	if err := b.options.Validate(); err != nil {
		return nil, err
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("pipeline %q: at least one stage is required", b.options.Name)
	}

	seen := make(map[string]bool, len(b.stages))
	for _, s := range b.stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline %q: stage with empty name", b.options.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("pipeline %q: duplicate stage name %q", b.options.Name, s.Name)
		}
		seen[s.Name] = true
	}

	logger := b.logger
	if logger == nil {
		logger = engine.NopLogger{}
	}
	if len(b.middlewares) == 0 {
		logger.Warn("pipeline_built_without_middleware", "pipeline", b.options.Name)
	}

	return &Pipeline{
		options:     b.options,
		stages:      append([]*engine.Stage(nil), b.stages...),
		middlewares: append([]*engine.Middleware(nil), b.middlewares...),
		metrics:     engine.NewMetrics(),
		resultCache: b.resultCache,
		events:      b.events,
		logger:      logger,
	}, nil
}

// Name returns the pipeline's configured name.
func (p *Pipeline) Name() string { return p.options.Name }

// Metrics returns the pipeline's rolling metric counters.
func (p *Pipeline) Metrics() *engine.Metrics { return p.metrics }

// StageNames returns the declared stage order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Execute runs the pipeline against input exactly as §4.2 prescribes.
func (p *Pipeline) Execute(ctx context.Context, input any, cancel *engine.CancelHandle) *engine.PipelineResult {
	if cancel == nil {
		cancel = engine.NewCancelHandle(ctx)
	}
	defer cancel.Release()

	// Step 2: cache lookup.
	if p.options.EnableCaching && p.resultCache != nil {
		if key, ok := cache.Key(p.options.Name, input); ok {
			if cached, hit := p.resultCache.Get(key); hit {
				if result, ok := cached.(*engine.PipelineResult); ok {
					return result
				}
			}
		}
	}

	ec := engine.NewContext(input, cancel)
	result := p.runFrom(ctx, ec)

	if result.Success && p.options.EnableCaching && p.resultCache != nil {
		if key, ok := cache.Key(p.options.Name, input); ok {
			p.resultCache.Set(key, result, p.options.CacheTTL)
		}
	}
	return result
}

// ExecuteFromContext runs the pipeline against an already-populated
// ExecutionContext instead of building one from raw input, bypassing
// the result cache entirely. engine/checkpoint's resume() uses this to
// execute a derived pipeline (Derive) against a context restored from
// a checkpoint, per §4.5 step 3.
func (p *Pipeline) ExecuteFromContext(ctx context.Context, ec *engine.Context) *engine.PipelineResult {
	return p.runFrom(ctx, ec)
}

// Derive returns a new Pipeline over only the stages whose name is not
// in skip, preserving relative order, sharing this pipeline's options,
// middleware, cache, event bus, and logger. Used by
// engine/checkpoint's resume() per §4.5 step 2.
func (p *Pipeline) Derive(skip map[string]bool) *Pipeline {
	remaining := make([]*engine.Stage, 0, len(p.stages))
	for _, s := range p.stages {
		if !skip[s.Name] {
			remaining = append(remaining, s)
		}
	}
	return &Pipeline{
		options:     p.options,
		stages:      remaining,
		middlewares: p.middlewares,
		metrics:     p.metrics,
		resultCache: p.resultCache,
		events:      p.events,
		logger:      p.logger,
	}
}

// Stages returns the pipeline's declared stage list in order.
func (p *Pipeline) Stages() []*engine.Stage {
	return append([]*engine.Stage(nil), p.stages...)
}

// Options returns the pipeline's configured options.
func (p *Pipeline) Options() *config.PipelineOptions { return p.options }

func (p *Pipeline) runFrom(ctx context.Context, ec *engine.Context) *engine.PipelineResult {
	p.metrics.Executions++

	p.emit(engine.EventPipelineStart, ec, "", nil, nil)

	var result *engine.PipelineResult
	if abortErr := p.runPipelineStart(ctx, ec); abortErr != nil {
		result = &engine.PipelineResult{
			Success:      false,
			Err:          abortErr,
			Context:      ec,
			StageResults: map[string]*engine.StageResult{},
			Metrics:      p.metrics,
		}
	} else {
		result = p.runSequential(ctx, ec)
	}

	p.invokePipelineComplete(ctx, ec, result)
	p.emit(engine.EventPipelineComplete, ec, "", nil, result.Err)

	if result.Success {
		p.metrics.Successes++
	} else {
		p.metrics.Failures++
	}
	p.metrics.TotalDuration += time.Since(ec.Metadata.StartTime)

	return result
}

// runPipelineStart invokes onPipelineStart for every middleware; a
// non-nil error aborts the pipeline before any stage runs (rateLimit,
// circuitBreaker, validation use this).
func (p *Pipeline) runPipelineStart(ctx context.Context, ec *engine.Context) error {
	for _, mw := range p.middlewares {
		if mw.OnPipelineStart == nil {
			continue
		}
		if err := mw.OnPipelineStart(ctx, ec); err != nil {
			return fmt.Errorf("aborted by middleware %s: %w", mw.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) runSequential(ctx context.Context, ec *engine.Context) *engine.PipelineResult {
	stageResults := make(map[string]*engine.StageResult, len(p.stages))

	for _, stage := range p.stages {
		if err := ec.Cancel.Err(); err != nil {
			return &engine.PipelineResult{
				Success:      false,
				Err:          err,
				Context:      ec,
				StageResults: stageResults,
				Metrics:      p.metrics,
			}
		}

		ec.Metadata.StartStage(stage.Name)
		p.emit(engine.EventStageStart, ec, stage.Name, nil, nil)
		p.invokeStageStart(ctx, ec, stage.Name)

		result := runtime.Run(ctx, stage, ec)
		stageResults[stage.Name] = result
		p.metrics.StageExecutions[stage.Name]++

		if !result.Success {
			ec.Metadata.FailStage(stage.Name)
			p.metrics.StageFailures[stage.Name]++
			p.invokeError(ctx, ec, stage.Name, result.Err)
			p.emit(engine.EventStageError, ec, stage.Name, nil, result.Err)

			if !p.options.ContinueOnError {
				return &engine.PipelineResult{
					Success:      false,
					Err:          result.Err,
					Context:      ec,
					StageResults: stageResults,
					Metrics:      p.metrics,
				}
			}
		} else {
			ec.Metadata.CompleteStage(stage.Name)
			if result.Output != nil {
				ec.State.Set(stage.Name, result.Output)
				ec.LastOutput = result.Output
			}
		}

		p.invokeStageComplete(ctx, ec, stage.Name, result)
		p.emit(engine.EventStageComplete, ec, stage.Name, nil, nil)

		if result.Success && !result.Continue {
			break
		}
	}

	return &engine.PipelineResult{
		Success:      true,
		Output:       ec.LastOutput,
		Context:      ec,
		StageResults: stageResults,
		Metrics:      p.metrics,
	}
}

func (p *Pipeline) invokeStageStart(ctx context.Context, ec *engine.Context, stageName string) {
	for _, mw := range p.middlewares {
		if mw.OnStageStart == nil {
			continue
		}
		safeHook(p.logger, mw.Name, "on_stage_start", func() { mw.OnStageStart(ctx, ec, stageName) })
	}
}

func (p *Pipeline) invokeStageComplete(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
	for _, mw := range p.middlewares {
		if mw.OnStageComplete == nil {
			continue
		}
		safeHook(p.logger, mw.Name, "on_stage_complete", func() { mw.OnStageComplete(ctx, ec, stageName, result) })
	}
}

func (p *Pipeline) invokeError(ctx context.Context, ec *engine.Context, stageName string, err error) {
	for _, mw := range p.middlewares {
		if mw.OnError == nil {
			continue
		}
		safeHook(p.logger, mw.Name, "on_error", func() { mw.OnError(ctx, ec, stageName, err) })
	}
}

func (p *Pipeline) invokePipelineComplete(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
	for _, mw := range p.middlewares {
		if mw.OnPipelineComplete == nil {
			continue
		}
		safeHook(p.logger, mw.Name, "on_pipeline_complete", func() { mw.OnPipelineComplete(ctx, ec, result) })
	}
}

func (p *Pipeline) emit(eventType engine.EventType, ec *engine.Context, stageName string, data map[string]any, err error) {
	if p.events == nil {
		return
	}
	p.events.Publish(engine.Event{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: ec.ExecutionID,
		StageName:   stageName,
		Data:        data,
		Error:       err,
	})
}

// safeHook runs a best-effort middleware hook, recovering and logging
// a panic instead of propagating it — §4.4: "exceptions thrown by a
// hook are captured and logged but do not abort execution".
func safeHook(logger engine.Logger, middlewareName, hookName string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("middleware_hook_panic", "middleware", middlewareName, "hook", hookName, "recovered", r)
		}
	}()
	fn()
}
