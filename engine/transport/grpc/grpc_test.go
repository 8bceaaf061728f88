package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/dispatch"
)

type testLogger struct{}

func (testLogger) Debug(string, ...any)       {}
func (testLogger) Info(string, ...any)        {}
func (testLogger) Warn(string, ...any)        {}
func (testLogger) Error(string, ...any)       {}
func (l testLogger) Bind(...any) engine.Logger { return l }

func TestJSONCodecRoundTrips(t *testing.T) {
	c := jsonCodec{}
	in := &WorkItemMessage{WorkItemID: "w1", StageName: "fetch", Priority: 3}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(WorkItemMessage)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in.WorkItemID, out.WorkItemID)
	assert.Equal(t, in.StageName, out.StageName)
	assert.Equal(t, in.Priority, out.Priority)
	assert.Equal(t, codecName, c.Name())
}

func TestToWorkItemMessageAndContextFromMessageRoundTrip(t *testing.T) {
	ec := engine.NewContext("raw-input", nil)
	ec.State.Set("count", 3)
	ec.Shared["tenant"] = "acme"
	ec.AppendMessage("hello")

	item := &dispatch.WorkItem{
		ID:          "item-1",
		StageName:   "transform",
		Context:     ec,
		Priority:    5,
		Attempts:    1,
		MaxAttempts: 3,
	}

	msg, err := toWorkItemMessage(item)
	require.NoError(t, err)
	assert.Equal(t, "item-1", msg.WorkItemID)
	assert.Equal(t, "transform", msg.StageName)
	assert.Equal(t, ec.ExecutionID, msg.ExecutionID)
	assert.Equal(t, 5, msg.Priority)

	restored := ContextFromMessage(msg)
	assert.Equal(t, ec.ExecutionID, restored.ExecutionID)
	assert.Equal(t, "raw-input", restored.Input)
	v, ok := engine.Get[float64](restored.State, "count")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
	assert.Equal(t, "acme", restored.Shared["tenant"])
	assert.Equal(t, []any{"hello"}, restored.MessagesSnapshot())
}

func TestMapRegistryLooksUpByName(t *testing.T) {
	stage := &engine.Stage{Name: "s1"}
	reg := MapRegistry{"s1": stage}

	got, ok := reg.Stage("s1")
	assert.True(t, ok)
	assert.Same(t, stage, got)

	_, ok = reg.Stage("missing")
	assert.False(t, ok)
}

// fakeDispatchServer is an in-memory DispatchServer for exercising
// WorkerTransportServer.Dispatch without a real network connection.
type fakeDispatchServer struct {
	ctx  context.Context
	sent chan *WorkItemMessage
}

func (f *fakeDispatchServer) Send(m *WorkItemMessage) error {
	select {
	case f.sent <- m:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeDispatchServer) SetHeader(metadata.MD) error  { return nil }
func (f *fakeDispatchServer) SendHeader(metadata.MD) error { return nil }
func (f *fakeDispatchServer) SetTrailer(metadata.MD)       {}
func (f *fakeDispatchServer) Context() context.Context     { return f.ctx }
func (f *fakeDispatchServer) SendMsg(m any) error          { return nil }
func (f *fakeDispatchServer) RecvMsg(m any) error          { return nil }

func TestWorkerTransportServerDispatchFiltersByCapability(t *testing.T) {
	queue := dispatch.NewMessageQueue()
	queue.Enqueue(&dispatch.WorkItem{ID: "a", StageName: "fetch", Context: engine.NewContext(nil, nil), MaxAttempts: 1})
	queue.Enqueue(&dispatch.WorkItem{ID: "b", StageName: "unsupported", Context: engine.NewContext(nil, nil), MaxAttempts: 1})

	srv := NewWorkerTransportServer(testLogger{}, queue)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	stream := &fakeDispatchServer{ctx: ctx, sent: make(chan *WorkItemMessage, 1)}

	done := make(chan error, 1)
	go func() {
		done <- srv.Dispatch(&RegisterWorkerRequest{WorkerID: "w1", Capabilities: []string{"fetch"}}, stream)
	}()

	select {
	case msg := <-stream.sent:
		assert.Equal(t, "a", msg.WorkItemID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched item")
	}

	cancel()
	<-done

	stats := queue.Stats()
	assert.Equal(t, 1, stats.PendingCount, "the unsupported item should have been requeued, not dropped")
}

func TestWorkerTransportServerReportResultCompletesOnSuccess(t *testing.T) {
	queue := dispatch.NewMessageQueue()
	item := &dispatch.WorkItem{ID: "x", StageName: "fetch", Context: engine.NewContext(nil, nil), MaxAttempts: 2}
	queue.Enqueue(item)
	dequeued, err := queue.Dequeue(context.Background())
	require.NoError(t, err)

	srv := NewWorkerTransportServer(testLogger{}, queue)
	srv.inFlight[dequeued.ID] = dequeued

	ack, err := srv.ReportResult(context.Background(), &ResultMessage{WorkItemID: "x", Success: true})
	require.NoError(t, err)
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, 1, queue.Stats().CompletedCount)
}

func TestWorkerTransportServerReportResultRequeuesUntilAttemptsExhausted(t *testing.T) {
	queue := dispatch.NewMessageQueue()
	item := &dispatch.WorkItem{ID: "y", StageName: "fetch", Context: engine.NewContext(nil, nil), Attempts: 0, MaxAttempts: 2}
	queue.Enqueue(item)
	dequeued, err := queue.Dequeue(context.Background())
	require.NoError(t, err)

	srv := NewWorkerTransportServer(testLogger{}, queue)
	srv.inFlight[dequeued.ID] = dequeued

	_, err = srv.ReportResult(context.Background(), &ResultMessage{WorkItemID: "y", Success: false, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 1, queue.Stats().PendingCount, "first failure should requeue, attempts 1 < maxAttempts 2")

	requeued, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	srv.inFlight[requeued.ID] = requeued

	_, err = srv.ReportResult(context.Background(), &ResultMessage{WorkItemID: "y", Success: false, Error: "boom again"})
	require.NoError(t, err)
	assert.Equal(t, 1, queue.Stats().FailedCount, "second failure exhausts maxAttempts 2, should fail terminally")
}

func TestWorkerTransportServerReportResultUnknownWorkItem(t *testing.T) {
	srv := NewWorkerTransportServer(testLogger{}, dispatch.NewMessageQueue())
	_, err := srv.ReportResult(context.Background(), &ResultMessage{WorkItemID: "ghost"})
	assert.Error(t, err)
}

func TestDefaultRecoveryHandlerWrapsPanicValue(t *testing.T) {
	err := DefaultRecoveryHandler(errors.New("boom"))
	assert.Error(t, err)
}
