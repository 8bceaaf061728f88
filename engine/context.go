package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the lifecycle events a pipeline execution emits.
type EventType string

const (
	EventPipelineStart    EventType = "pipeline-start"
	EventPipelineComplete EventType = "pipeline-complete"
	EventStageStart       EventType = "stage-start"
	EventStageComplete    EventType = "stage-complete"
	EventStageError       EventType = "stage-error"
	EventMiddleware       EventType = "middleware-event"
)

// Event is the shape emitted on the EventBus for every pipeline/stage
// boundary.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	ExecutionID string
	StageName   string
	Data        map[string]any
	Error       error
}

// Metadata holds the bookkeeping fields of ExecutionContext that are
// not stage-writable state: start time, the stage currently mid-flight
// (if any), and the ordered completed/failed stage lists.
type Metadata struct {
	mu              sync.Mutex
	StartTime       time.Time
	currentStage    string
	completedStages []string
	failedStages    []string
	Extensions      map[string]any
}

func newMetadata() *Metadata {
	return &Metadata{
		StartTime:  time.Now().UTC(),
		Extensions: make(map[string]any),
	}
}

// StartStage records stage as the one currently mid-execution. The
// ExecutionContext invariant requires CurrentStage to be set exactly
// while a stage is running.
func (m *Metadata) StartStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentStage = stage
}

// CompleteStage clears CurrentStage and appends to CompletedStages,
// preserving declared execution order.
func (m *Metadata) CompleteStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentStage == stage {
		m.currentStage = ""
	}
	m.completedStages = append(m.completedStages, stage)
}

// FailStage clears CurrentStage and appends to FailedStages.
func (m *Metadata) FailStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentStage == stage {
		m.currentStage = ""
	}
	m.failedStages = append(m.failedStages, stage)
}

// CurrentStage returns the name of the stage mid-execution, or "".
func (m *Metadata) CurrentStage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentStage
}

// CompletedStages returns a copy of the ordered completed-stage list.
func (m *Metadata) CompletedStages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.completedStages))
	copy(out, m.completedStages)
	return out
}

// FailedStages returns a copy of the ordered failed-stage list.
func (m *Metadata) FailedStages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.failedStages))
	copy(out, m.failedStages)
	return out
}

// IsCompleted reports whether stage is in CompletedStages.
func (m *Metadata) IsCompleted(stage string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.completedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// IsFailed reports whether stage is in FailedStages.
func (m *Metadata) IsFailed(stage string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.failedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Context is the per-execution scratch space shared by every stage in
// one pipeline run: the Go analogue of the spec's ExecutionContext and
// the teacher's GenericEnvelope.
type Context struct {
	ExecutionID string
	Input       any
	State       *StateBag

	// Shared is an opaque mapping used by domain stages for side-band
	// coordination; the engine passes it through verbatim and never
	// inspects it.
	Shared map[string]any

	// Messages is an ordered, append-only sequence of opaque records.
	// Appending is synchronized because parallel substages may append
	// concurrently.
	messagesMu sync.Mutex
	messages   []any

	Metadata *Metadata
	Cancel   *CancelHandle

	LastOutput any
}

// NewContext constructs a fresh ExecutionContext for one pipeline
// invocation.
func NewContext(input any, cancel *CancelHandle) *Context {
	if cancel == nil {
		cancel = NewCancelHandle(context.Background())
	}
	return &Context{
		ExecutionID: uuid.NewString(),
		Input:       input,
		State:       NewStateBag(),
		Shared:      make(map[string]any),
		Metadata:    newMetadata(),
		Cancel:      cancel,
	}
}

// AppendMessage appends an opaque record to Messages.
func (c *Context) AppendMessage(msg any) {
	c.messagesMu.Lock()
	defer c.messagesMu.Unlock()
	c.messages = append(c.messages, msg)
}

// MessagesSnapshot returns a copy of the appended message sequence.
func (c *Context) MessagesSnapshot() []any {
	c.messagesMu.Lock()
	defer c.messagesMu.Unlock()
	out := make([]any, len(c.messages))
	copy(out, c.messages)
	return out
}

// Clone returns an independent copy of the context for a parallel
// substage, the way GenericEnvelope.Clone isolates per-substage state
// in the teacher runtime. The clone shares the same CancelHandle (a
// substage must still observe the parent's cancellation) but gets an
// isolated StateBag/Shared/Messages so substages can be merged back
// under the single-writer-per-key contract.
func (c *Context) Clone() *Context {
	sharedCopy := make(map[string]any, len(c.Shared))
	for k, v := range c.Shared {
		sharedCopy[k] = deepCopyValue(v)
	}
	clone := &Context{
		ExecutionID: c.ExecutionID,
		Input:       c.Input,
		State:       c.State.Clone(),
		Shared:      sharedCopy,
		Metadata:    newMetadata(),
		Cancel:      c.Cancel,
		LastOutput:  c.LastOutput,
	}
	clone.messages = c.MessagesSnapshot()
	return clone
}

// MergeFrom folds a cloned substage context's state back into c under
// the caller-specified disjoint keys, making the single-writer-per-key
// contract mechanical rather than advisory. Keys already present in c
// are left untouched (first writer wins) so two substages racing on
// the same key cannot silently clobber each other's merge.
func (c *Context) MergeFrom(sub *Context, keys []string) {
	for _, k := range keys {
		if c.State.Has(k) {
			continue
		}
		if v, ok := Get[any](sub.State, k); ok {
			c.State.Set(k, v)
		}
	}
}
