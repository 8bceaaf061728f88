package testharness

import (
	"github.com/stagegraph/flowengine/engine/pipeline"
)

// NewLinearPipeline builds a pipeline named name running mock stages
// named stageNames in sequence, each a MockStage with default (success)
// behavior. Returns the built pipeline and the mocks in stage order so
// callers can reconfigure individual stages before executing. The Go
// analogue of the teacher's NewTestPipelineConfig, generalized from a
// linear-routing AgentConfig list to a built Pipeline.
func NewLinearPipeline(name string, stageNames ...string) (*pipeline.Pipeline, []*MockStage, error) {
	if len(stageNames) == 0 {
		stageNames = []string{"stageA", "stageB", "stageC"}
	}

	mocks := make([]*MockStage, len(stageNames))
	builder := pipeline.NewBuilder(name)
	for i, n := range stageNames {
		mocks[i] = NewMockStage(n)
		builder = builder.AddStage(mocks[i].Stage())
	}

	p, err := builder.Build()
	if err != nil {
		return nil, nil, err
	}
	return p, mocks, nil
}
