package checkpoint

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/pipeline"
)

// Resume implements §4.5's resume(checkpointId, pipeline):
//  1. load the checkpoint and restore an ExecutionContext from its
//     snapshot.
//  2. derive a pipeline containing only the stages not already in
//     CompletedStageNames, preserving declared order.
//  3. execute the derived pipeline with the restored context as
//     initial state and return its result.
func (m *CheckpointManager) Resume(ctx context.Context, checkpointID string, p *pipeline.Pipeline) (*engine.PipelineResult, error) {
	cp, err := m.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	ec := restoreContext(cp)

	skip := make(map[string]bool, len(cp.CompletedStageNames))
	for _, name := range cp.CompletedStageNames {
		skip[name] = true
		ec.Metadata.CompleteStage(name)
	}

	derived := p.Derive(skip)
	result := derived.ExecuteFromContext(ctx, ec)
	return result, nil
}

// restoreContext rebuilds an ExecutionContext from a checkpoint's
// canonical snapshot, mirroring GenericEnvelope.FromStateDict.
func restoreContext(cp *Checkpoint) *engine.Context {
	ec := engine.NewContext(nil, nil)
	ec.ExecutionID = cp.ExecutionID

	if cp.ContextSnapshot == nil {
		return ec
	}
	if input, ok := cp.ContextSnapshot["Input"]; ok {
		ec.Input = input
	}
	if state, ok := cp.ContextSnapshot["State"].(map[string]any); ok {
		ec.State = engine.RestoreFromSnapshot(state)
	}
	if shared, ok := cp.ContextSnapshot["Shared"].(map[string]any); ok {
		ec.Shared = shared
	}
	if messages, ok := cp.ContextSnapshot["Messages"].([]any); ok {
		for _, msg := range messages {
			ec.AppendMessage(msg)
		}
	}
	return ec
}
