package testharness

import (
	"fmt"

	"github.com/stagegraph/flowengine/engine"
)

// AssertPipelineSucceeded checks that result completed without error,
// the Go analogue of the teacher's AssertEnvelopeCompleted.
func AssertPipelineSucceeded(result *engine.PipelineResult) error {
	if result == nil {
		return fmt.Errorf("expected a pipeline result, got nil")
	}
	if !result.Success {
		return fmt.Errorf("expected pipeline to succeed, got failure: %v", result.Err)
	}
	return nil
}

// AssertPipelineFailed checks that result failed.
func AssertPipelineFailed(result *engine.PipelineResult) error {
	if result == nil {
		return fmt.Errorf("expected a pipeline result, got nil")
	}
	if result.Success {
		return fmt.Errorf("expected pipeline to fail, but it succeeded")
	}
	return nil
}

// AssertStageSucceeded checks that stageName ran and succeeded within
// result.
func AssertStageSucceeded(result *engine.PipelineResult, stageName string) error {
	sr, ok := result.StageResults[stageName]
	if !ok {
		return fmt.Errorf("stage %q did not run", stageName)
	}
	if !sr.Success {
		return fmt.Errorf("expected stage %q to succeed, got failure: %v", stageName, sr.Err)
	}
	return nil
}

// AssertStageFailed checks that stageName ran and failed within result.
func AssertStageFailed(result *engine.PipelineResult, stageName string) error {
	sr, ok := result.StageResults[stageName]
	if !ok {
		return fmt.Errorf("stage %q did not run", stageName)
	}
	if sr.Success {
		return fmt.Errorf("expected stage %q to fail, but it succeeded", stageName)
	}
	return nil
}

// AssertStageNotRun checks that stageName has no recorded result,
// e.g. because an earlier stage stopped the sequence.
func AssertStageNotRun(result *engine.PipelineResult, stageName string) error {
	if _, ok := result.StageResults[stageName]; ok {
		return fmt.Errorf("expected stage %q not to have run, but it did", stageName)
	}
	return nil
}

// AssertStageOrder checks that ec's completed-stage list exactly
// matches want, in order.
func AssertStageOrder(ec *engine.Context, want []string) error {
	got := ec.Metadata.CompletedStages()
	if len(got) != len(want) {
		return fmt.Errorf("expected %d completed stages %v, got %d: %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("expected completed stage order %v, got %v", want, got)
		}
	}
	return nil
}
