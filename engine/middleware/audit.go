package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// AuditRecord is one stage-completion entry written by Audit.
type AuditRecord struct {
	ExecutionID string
	Stage       string
	Success     bool
	Attempts    int
	Timestamp   time.Time
	Err         error
}

// AuditSink receives AuditRecords as they are produced. Implementations
// must not block the pipeline for long; Audit calls Write synchronously
// from OnStageComplete.
type AuditSink interface {
	Write(record AuditRecord)
}

// Audit writes an AuditRecord for every completed stage to sink — a
// durable, append-only trail distinct from engine.Context.Messages
// (which is domain-owned) and from Logging (which is for operators,
// not compliance).
func Audit(sink AuditSink) *engine.Middleware {
	return &engine.Middleware{
		Name: "audit",
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			sink.Write(AuditRecord{
				ExecutionID: ec.ExecutionID,
				Stage:       stageName,
				Success:     result.Success,
				Attempts:    result.Metadata.Attempts,
				Timestamp:   time.Now().UTC(),
				Err:         result.Err,
			})
		},
	}
}

// MemoryAuditSink is a reference AuditSink that retains every record in
// memory; useful for tests and for processes without a durable audit
// store wired in yet.
type MemoryAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
}

// NewMemoryAuditSink returns an empty in-memory sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

// Write implements AuditSink.
func (s *MemoryAuditSink) Write(record AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// Records returns a copy of every record written so far.
func (s *MemoryAuditSink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}
