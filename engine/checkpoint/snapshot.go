package checkpoint

import (
	"sync"

	"github.com/stagegraph/flowengine/engine"
)

// snapshotRecord is one retained pre-stage point, capturing enough of
// ExecutionContext to revert to it.
type snapshotRecord struct {
	state    map[string]any
	shared   map[string]any
	messages []any
}

// SnapshotManager is the in-memory rollback cousin of
// CheckpointManager from §4.5: it retains up to N pre-stage snapshots
// per execution and can revert state and shared to an earlier point on
// request, without touching a StorageBackend. Messages are captured
// with each snapshot but are not restored by Revert. Grounded on
// engine.Context.Clone() for the copy semantics plus the TTL-bounded
// per-execution store shape of coreengine/kernel/interrupts.go's
// InterruptService.
type SnapshotManager struct {
	maxPerExecution int

	mu        sync.Mutex
	snapshots map[string][]snapshotRecord // executionID -> ordered snapshots, oldest first
}

// NewSnapshotManager retains at most maxPerExecution snapshots per
// execution, evicting the oldest on overflow.
func NewSnapshotManager(maxPerExecution int) *SnapshotManager {
	if maxPerExecution <= 0 {
		maxPerExecution = 5
	}
	return &SnapshotManager{
		maxPerExecution: maxPerExecution,
		snapshots:       make(map[string][]snapshotRecord),
	}
}

// Capture records ec's current state/shared/messages as a new
// snapshot, evicting the oldest if the per-execution limit is
// exceeded.
func (m *SnapshotManager) Capture(ec *engine.Context) {
	rec := snapshotRecord{
		state:    ec.State.Snapshot(),
		shared:   cloneMap(ec.Shared),
		messages: ec.MessagesSnapshot(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.snapshots[ec.ExecutionID], rec)
	if len(list) > m.maxPerExecution {
		list = list[len(list)-m.maxPerExecution:]
	}
	m.snapshots[ec.ExecutionID] = list
}

// Revert reverts ec's state/shared in place to the snapshot taken
// stepsBack captures ago (0 = most recent), reporting false if no such
// snapshot exists. Messages are not restored: ec keeps every message
// appended since the snapshot was taken.
func (m *SnapshotManager) Revert(ec *engine.Context, stepsBack int) bool {
	m.mu.Lock()
	list := m.snapshots[ec.ExecutionID]
	if len(list) == 0 || stepsBack >= len(list) {
		m.mu.Unlock()
		return false
	}
	idx := len(list) - 1 - stepsBack
	rec := list[idx]
	m.mu.Unlock()

	ec.State = engine.RestoreFromSnapshot(rec.state)
	ec.Shared = cloneMap(rec.shared)
	return true
}

// Clear discards every retained snapshot for an execution, called once
// it finishes.
func (m *SnapshotManager) Clear(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, executionID)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
