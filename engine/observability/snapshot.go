package observability

import (
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/pipeline"
)

// ExecutionSnapshot renders an in-flight or finished ExecutionContext as
// a plain map, the way the teacher's Kernel.GetRequestStatus renders a
// process control block for API/CLI consumption, generalized from
// process-lifecycle fields to stage-graph fields.
func ExecutionSnapshot(ec *engine.Context) map[string]any {
	if ec == nil {
		return nil
	}
	return map[string]any{
		"execution_id":     ec.ExecutionID,
		"current_stage":    ec.Metadata.CurrentStage(),
		"completed_stages": ec.Metadata.CompletedStages(),
		"failed_stages":    ec.Metadata.FailedStages(),
		"started_at":       ec.Metadata.StartTime.Format(time.RFC3339),
		"message_count":    len(ec.MessagesSnapshot()),
	}
}

// PipelineSnapshot renders a Pipeline's static stage graph as an
// ordered list of stage names with their declared retry/timeout
// configuration, the shape a status dashboard or CLI `describe` command
// would display.
func PipelineSnapshot(p *pipeline.Pipeline) map[string]any {
	stages := p.Stages()
	rendered := make([]map[string]any, 0, len(stages))
	for _, s := range stages {
		rendered = append(rendered, map[string]any{
			"name":        s.Name,
			"retryable":   s.Retryable,
			"max_retries": s.MaxRetries,
			"timeout":     s.Timeout.String(),
		})
	}
	return map[string]any{
		"name":   p.Name(),
		"stages": rendered,
	}
}

// Timeline is an ordered list of named instants, rendered from an
// ExecutionContext's completed/failed stage lists for a UI to draw a
// Gantt-style progress bar.
type Timeline struct {
	ExecutionID string
	Entries     []TimelineEntry
}

// TimelineEntry is one stage's outcome in execution order.
type TimelineEntry struct {
	Stage  string
	Status string // "completed", "failed"
}

// BuildTimeline interleaves an ExecutionContext's completed and failed
// stage lists into declared-order-preserving membership checks; since
// the underlying Metadata only tracks two disjoint ordered lists (not a
// single merged sequence with timestamps), the timeline reports
// completed stages first, then failed stages, matching the order they
// were appended in Metadata.
func BuildTimeline(ec *engine.Context) Timeline {
	t := Timeline{ExecutionID: ec.ExecutionID}
	for _, s := range ec.Metadata.CompletedStages() {
		t.Entries = append(t.Entries, TimelineEntry{Stage: s, Status: "completed"})
	}
	for _, s := range ec.Metadata.FailedStages() {
		t.Entries = append(t.Entries, TimelineEntry{Stage: s, Status: "failed"})
	}
	return t
}
