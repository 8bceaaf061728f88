// Package grpc exposes engine/dispatch's work queue to out-of-process
// workers, the IPC surface C8's in-process Worker/WorkerPool needs to
// become genuinely distributed. Grounded on coreengine/grpc/server.go
// (server lifecycle, graceful shutdown) and coreengine/grpc/
// interceptors.go (logging/recovery chaining) for the ambient
// transport plumbing, and on commbus/protocols.go's DistributedTask/
// DistributedBus (EnqueueTask/DequeueTask/CompleteTask/FailTask/
// Heartbeat) for the wire shape.
//
// The teacher generates its wire types from .proto files via protoc;
// that code-generation step cannot run in this environment, so the
// messages below are plain JSON-tagged Go structs carried over a
// hand-registered grpc/encoding.Codec (see codec.go) instead of
// compiled protobuf stubs. Every other concern — service registration,
// interceptor chain, graceful shutdown — mirrors the teacher's
// approach; only the wire codec differs, and that substitution is
// recorded once, here, rather than at every call site.
package grpc

import "time"

// WorkItemMessage is the wire form of a dispatch.WorkItem, generalized
// from commbus/protocols.go's DistributedTask: the function pointer on
// a real engine.Stage cannot cross a process boundary, so only the
// stage's name travels — the remote worker resolves it against its own
// locally registered stage set and applies the carried context
// snapshot.
type WorkItemMessage struct {
	WorkItemID       string         `json:"work_item_id"`
	StageName        string         `json:"stage_name"`
	ContextSnapshot  map[string]any `json:"context_snapshot"`
	ExecutionID      string         `json:"execution_id"`
	Priority         int            `json:"priority"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
	EnqueuedAtMillis int64          `json:"enqueued_at_millis"`
}

// ResultMessage reports a remote worker's outcome for one WorkItemMessage.
type ResultMessage struct {
	WorkItemID    string         `json:"work_item_id"`
	Success       bool           `json:"success"`
	OutputPayload map[string]any `json:"output_payload,omitempty"`
	Error         string         `json:"error,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
}

// Ack is the response to ReportResult and RegisterWorker.
type Ack struct {
	Acknowledged bool `json:"acknowledged"`
}

// RegisterWorkerRequest announces a remote worker's identity and
// stage-handling capabilities, the Go analogue of DistributedBus's
// RegisterWorker.
type RegisterWorkerRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatRequest reports a remote worker's liveness and load, the Go
// analogue of DistributedBus's Heartbeat, extended with the load
// metrics engine/dispatch.LoadMetrics carries for in-process workers.
type HeartbeatRequest struct {
	WorkerID    string `json:"worker_id"`
	ActiveItems int    `json:"active_items"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
