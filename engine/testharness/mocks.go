// Package testharness provides shared test doubles and assertion
// helpers for exercising the stage-graph engine's components in
// isolation, without requiring a real worker pool, checkpoint store, or
// scheduler. Grounded on coreengine/testutil/testutil.go's mock+
// fluent-With-builder+call-tracking idiom, generalized from LLM/tool/
// persistence mocks to stage/middleware mocks.
package testharness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// MockStage implements a configurable engine.Stage body, the Go
// analogue of the teacher's MockToolExecutor: configure per-call
// behavior with the With* builders, then inspect Calls for assertions.
type MockStage struct {
	name string

	mu        sync.Mutex
	result    *engine.StageResult
	err       error
	delay     time.Duration
	callCount int
	calls     []StageCall
	fn        func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error)
}

// StageCall records one invocation for assertion.
type StageCall struct {
	ExecutionID string
	Input       any
}

// NewMockStage returns a stage named name that succeeds with a nil
// output unless reconfigured.
func NewMockStage(name string) *MockStage {
	return &MockStage{name: name, result: engine.Ok(nil)}
}

// WithResult configures the stage to return result on every call.
func (m *MockStage) WithResult(result *engine.StageResult) *MockStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	return m
}

// WithError configures the stage to fail with err.
func (m *MockStage) WithError(err error) *MockStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay simulates a stage taking d to complete.
func (m *MockStage) WithDelay(d time.Duration) *MockStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFunc overrides the stage body entirely with a custom function,
// taking precedence over WithResult/WithError/WithDelay.
func (m *MockStage) WithFunc(fn func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error)) *MockStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// CallCount returns the number of times the stage has executed.
func (m *MockStage) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Calls returns a copy of the recorded invocations.
func (m *MockStage) Calls() []StageCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StageCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears call tracking without altering configured behavior.
func (m *MockStage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.calls = nil
}

// Stage builds an *engine.Stage whose Execute delegates to the mock,
// suitable for use with pipeline.Builder.AddStage.
func (m *MockStage) Stage() *engine.Stage {
	return &engine.Stage{
		Name: m.name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			m.mu.Lock()
			m.callCount++
			m.calls = append(m.calls, StageCall{ExecutionID: ec.ExecutionID, Input: ec.Input})
			delay := m.delay
			fn := m.fn
			result, err := m.result, m.err
			m.mu.Unlock()

			if fn != nil {
				return fn(ctx, ec)
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return result, err
		},
	}
}

// SpyMiddleware records every hook invocation it receives, the Go
// analogue of the teacher's MockEventContext: configure nothing, just
// wire it into a pipeline and inspect StartedStages/CompletedStages
// afterward.
type SpyMiddleware struct {
	mu              sync.Mutex
	pipelineStarts  int
	startedStages   []string
	completedStages []string
	errors          []string
	pipelineEnds    int
}

// NewSpyMiddleware returns an empty spy.
func NewSpyMiddleware() *SpyMiddleware {
	return &SpyMiddleware{}
}

// Middleware builds an *engine.Middleware wired to record every hook.
func (s *SpyMiddleware) Middleware() *engine.Middleware {
	return &engine.Middleware{
		Name: "spy",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			s.mu.Lock()
			s.pipelineStarts++
			s.mu.Unlock()
			return nil
		},
		OnStageStart: func(ctx context.Context, ec *engine.Context, stageName string) {
			s.mu.Lock()
			s.startedStages = append(s.startedStages, stageName)
			s.mu.Unlock()
		},
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			s.mu.Lock()
			s.completedStages = append(s.completedStages, stageName)
			s.mu.Unlock()
		},
		OnError: func(ctx context.Context, ec *engine.Context, stageName string, err error) {
			s.mu.Lock()
			s.errors = append(s.errors, fmt.Sprintf("%s: %v", stageName, err))
			s.mu.Unlock()
		},
		OnPipelineComplete: func(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
			s.mu.Lock()
			s.pipelineEnds++
			s.mu.Unlock()
		},
	}
}

// StartedStages returns the stage names seen by OnStageStart, in order.
func (s *SpyMiddleware) StartedStages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.startedStages))
	copy(out, s.startedStages)
	return out
}

// CompletedStages returns the stage names seen by OnStageComplete, in
// order.
func (s *SpyMiddleware) CompletedStages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.completedStages))
	copy(out, s.completedStages)
	return out
}

// PipelineStarts returns how many times OnPipelineStart fired.
func (s *SpyMiddleware) PipelineStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelineStarts
}

// PipelineCompletions returns how many times OnPipelineComplete fired.
func (s *SpyMiddleware) PipelineCompletions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelineEnds
}

// Errors returns the recorded "stage: err" strings seen by OnError.
func (s *SpyMiddleware) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errors))
	copy(out, s.errors)
	return out
}
