package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/canon"
)

// Checkpoint is the §3 data-model record: {id, executionId,
// pipelineName, takenAt, contextSnapshot, completedStageNames,
// currentStageName?}.
type Checkpoint struct {
	ID                  string
	ExecutionID         string
	PipelineName        string
	TakenAt             time.Time
	ContextSnapshot     map[string]any
	CompletedStageNames []string
	CurrentStageName    string
	ParentCheckpointID  string
}

// contextSnapshot is the serializable shape of an engine.Context,
// mirroring GenericEnvelope.ToStateDict's round-trip contract.
type contextSnapshot struct {
	Input    any
	State    map[string]any
	Shared   map[string]any
	Messages []any
}

// CheckpointManager persists checkpoints keyed
// `checkpoint-<executionId>-<monotonic-seq>` per §6's persistence
// layout, and enforces maxCheckpoints via oldest-first deletion.
// Grounded near-1:1 on commbus/protocols.go's CheckpointService.
type CheckpointManager struct {
	storage        StorageBackend
	maxCheckpoints int

	mu  sync.Mutex
	seq map[string]int64 // executionID -> next monotonic sequence
}

// NewCheckpointManager constructs a manager writing through storage,
// retaining at most maxCheckpoints per execution.
func NewCheckpointManager(storage StorageBackend, maxCheckpoints int) *CheckpointManager {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 10
	}
	return &CheckpointManager{
		storage:        storage,
		maxCheckpoints: maxCheckpoints,
		seq:            make(map[string]int64),
	}
}

func (m *CheckpointManager) nextSeq(executionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.seq[executionID]
	m.seq[executionID] = n + 1
	return n
}

func checkpointKey(executionID string, seq int64) string {
	return fmt.Sprintf("checkpoint-%s-%d", executionID, seq)
}

// Create serializes ec to canonical form, persists it under a fresh
// monotonic key, and enforces maxCheckpoints by deleting the oldest
// checkpoints for this execution beyond the retention limit.
func (m *CheckpointManager) Create(ctx context.Context, executionID, pipelineName string, ec *engine.Context, completedStageNames []string, currentStageName string) (*Checkpoint, error) {
	snap := contextSnapshot{
		Input:    ec.Input,
		State:    ec.State.Snapshot(),
		Shared:   ec.Shared,
		Messages: ec.MessagesSnapshot(),
	}
	encoded, err := canon.Encode(snap)
	if err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, currentStageName, err)
	}
	decoded, err := canon.Decode(encoded)
	if err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, currentStageName, err)
	}

	seq := m.nextSeq(executionID)
	id := checkpointKey(executionID, seq)

	cp := &Checkpoint{
		ID:                  id,
		ExecutionID:         executionID,
		PipelineName:        pipelineName,
		TakenAt:             time.Now().UTC(),
		ContextSnapshot:     decoded,
		CompletedStageNames: append([]string(nil), completedStageNames...),
		CurrentStageName:    currentStageName,
	}

	record, err := canon.Encode(cp)
	if err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, currentStageName, err)
	}
	if err := m.storage.Put(ctx, id, record); err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, currentStageName, err)
	}

	if err := m.enforceRetention(ctx, executionID); err != nil {
		return nil, err
	}
	return cp, nil
}

func (m *CheckpointManager) enforceRetention(ctx context.Context, executionID string) error {
	list, err := m.List(ctx, executionID)
	if err != nil {
		return err
	}
	if len(list) <= m.maxCheckpoints {
		return nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TakenAt.Before(list[j].TakenAt) })
	excess := len(list) - m.maxCheckpoints
	for i := 0; i < excess; i++ {
		if err := m.storage.Delete(ctx, list[i].ID); err != nil && err != ErrNotFound {
			return engine.NewError(engine.ErrCheckpointUnavailable, "", err)
		}
	}
	return nil
}

// Load fetches and decodes a single checkpoint by ID.
func (m *CheckpointManager) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	raw, err := m.storage.Get(ctx, checkpointID)
	if err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, "", err)
	}
	decoded, err := canon.Decode(raw)
	if err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, "", err)
	}
	return decodeCheckpoint(decoded)
}

// List returns every checkpoint recorded for executionID, in no
// particular order (callers needing chronological order should sort
// by TakenAt, as Latest does internally).
func (m *CheckpointManager) List(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	prefix := fmt.Sprintf("checkpoint-%s-", executionID)
	keys, err := m.storage.List(ctx, prefix)
	if err != nil {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, "", err)
	}
	out := make([]*Checkpoint, 0, len(keys))
	for _, k := range keys {
		cp, err := m.Load(ctx, k)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Latest returns the most recently taken checkpoint for executionID.
func (m *CheckpointManager) Latest(ctx context.Context, executionID string) (*Checkpoint, error) {
	list, err := m.List(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, engine.NewError(engine.ErrCheckpointUnavailable, "", fmt.Errorf("no checkpoints for execution %s", executionID))
	}
	latest := list[0]
	for _, cp := range list[1:] {
		if cp.TakenAt.After(latest.TakenAt) {
			latest = cp
		}
	}
	return latest, nil
}

// Delete removes every checkpoint for executionID taken before
// beforeCheckpointID (exclusive), or all of them if beforeCheckpointID
// is "". Returns the count deleted.
func (m *CheckpointManager) Delete(ctx context.Context, executionID string, beforeCheckpointID string) (int, error) {
	list, err := m.List(ctx, executionID)
	if err != nil {
		return 0, err
	}
	var cutoff time.Time
	if beforeCheckpointID != "" {
		for _, cp := range list {
			if cp.ID == beforeCheckpointID {
				cutoff = cp.TakenAt
				break
			}
		}
	}

	deleted := 0
	for _, cp := range list {
		if beforeCheckpointID != "" && !cp.TakenAt.Before(cutoff) {
			continue
		}
		if err := m.storage.Delete(ctx, cp.ID); err != nil && err != ErrNotFound {
			return deleted, engine.NewError(engine.ErrCheckpointUnavailable, "", err)
		}
		deleted++
	}
	return deleted, nil
}

// Fork copies the checkpoint identified by checkpointID into a brand
// new checkpoint belonging to newExecutionID, returning the new
// checkpoint's ID — adapted from commbus/protocols.go's
// ForkFromCheckpoint, used to branch a new execution from a point in
// an existing one's history without mutating the original.
func (m *CheckpointManager) Fork(ctx context.Context, checkpointID, newExecutionID string) (string, error) {
	source, err := m.Load(ctx, checkpointID)
	if err != nil {
		return "", err
	}
	seq := m.nextSeq(newExecutionID)
	id := checkpointKey(newExecutionID, seq)

	forked := &Checkpoint{
		ID:                  id,
		ExecutionID:         newExecutionID,
		PipelineName:        source.PipelineName,
		TakenAt:             time.Now().UTC(),
		ContextSnapshot:     source.ContextSnapshot,
		CompletedStageNames: append([]string(nil), source.CompletedStageNames...),
		CurrentStageName:    source.CurrentStageName,
		ParentCheckpointID:  source.ID,
	}
	record, err := canon.Encode(forked)
	if err != nil {
		return "", engine.NewError(engine.ErrCheckpointUnavailable, "", err)
	}
	if err := m.storage.Put(ctx, id, record); err != nil {
		return "", engine.NewError(engine.ErrCheckpointUnavailable, "", err)
	}
	return id, nil
}

func decodeCheckpoint(m map[string]any) (*Checkpoint, error) {
	cp := &Checkpoint{}
	if v, ok := m["ID"].(string); ok {
		cp.ID = v
	}
	if v, ok := m["ExecutionID"].(string); ok {
		cp.ExecutionID = v
	}
	if v, ok := m["PipelineName"].(string); ok {
		cp.PipelineName = v
	}
	if v, ok := m["TakenAt"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			cp.TakenAt = t
		}
	}
	if v, ok := m["ContextSnapshot"].(map[string]any); ok {
		cp.ContextSnapshot = v
	}
	if v, ok := m["CompletedStageNames"].([]any); ok {
		for _, s := range v {
			if str, ok := s.(string); ok {
				cp.CompletedStageNames = append(cp.CompletedStageNames, str)
			}
		}
	}
	if v, ok := m["CurrentStageName"].(string); ok {
		cp.CurrentStageName = v
	}
	if v, ok := m["ParentCheckpointID"].(string); ok {
		cp.ParentCheckpointID = v
	}
	return cp, nil
}
