package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// StageRegistry resolves a dispatched WorkItemMessage's stage name to
// a runnable *engine.Stage, the remote-worker-side analogue of how an
// in-process dispatch.Worker already holds a *engine.Stage on its
// WorkItem. A remote worker only ever receives a name over the wire
// and must look the stage up locally.
type StageRegistry interface {
	Stage(name string) (*engine.Stage, bool)
}

// MapRegistry is the simplest StageRegistry: a fixed name-to-stage map
// built once at worker startup.
type MapRegistry map[string]*engine.Stage

func (m MapRegistry) Stage(name string) (*engine.Stage, bool) {
	s, ok := m[name]
	return s, ok
}

// RemoteWorker is the client side of this package's Dispatch RPC: it
// dials a WorkerTransportServer, announces its capabilities, then
// loops receiving WorkItemMessages, running each through engine/
// runtime locally, and reporting the terminal result back. It is the
// out-of-process counterpart to dispatch.Worker.Run/handle.
type RemoteWorker struct {
	id           string
	capabilities []string
	registry     StageRegistry
	logger       engine.Logger

	conn   *grpc.ClientConn
	client workerTransportClient
}

// DialRemoteWorker connects to a WorkerTransportServer at address and
// returns a worker ready to Run. The JSON codec is forced on every
// call via CallContentSubtype since there is no protobuf fallback to
// negotiate against.
func DialRemoteWorker(address, id string, capabilities []string, registry StageRegistry, logger engine.Logger) (*RemoteWorker, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("flowengine/transport: dial: %w", err)
	}
	return &RemoteWorker{
		id:           id,
		capabilities: capabilities,
		registry:     registry,
		logger:       logger,
		conn:         conn,
		client:       workerTransportClient{conn},
	}, nil
}

// Close tears down the underlying connection.
func (w *RemoteWorker) Close() error {
	return w.conn.Close()
}

// Run registers the worker, opens the Dispatch stream, and processes
// items until ctx is cancelled or the stream ends. It reconnects the
// stream is the caller's responsibility on error: Run returns the
// first stream error it hits rather than looping forever, mirroring
// dispatch.Worker.Run's exit-on-ctx-or-queue-error contract.
func (w *RemoteWorker) Run(ctx context.Context) error {
	if _, err := w.client.RegisterWorker(ctx, &RegisterWorkerRequest{WorkerID: w.id, Capabilities: w.capabilities}); err != nil {
		return fmt.Errorf("flowengine/transport: register: %w", err)
	}

	stream, err := w.client.Dispatch(ctx, &RegisterWorkerRequest{WorkerID: w.id, Capabilities: w.capabilities})
	if err != nil {
		return fmt.Errorf("flowengine/transport: dispatch stream: %w", err)
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		w.handle(ctx, msg)
	}
}

func (w *RemoteWorker) handle(ctx context.Context, msg *WorkItemMessage) {
	stage, ok := w.registry.Stage(msg.StageName)
	if !ok {
		w.report(ctx, msg, nil, fmt.Errorf("flowengine/transport: no local stage registered for %q", msg.StageName))
		return
	}

	ec := ContextFromMessage(msg)
	start := time.Now()
	result := runtime.Run(ctx, stage, ec)
	duration := time.Since(start)

	resultMsg := &ResultMessage{
		WorkItemID: msg.WorkItemID,
		Success:    result.Success,
		DurationMS: duration.Milliseconds(),
	}
	if result.Success {
		if payload, ok := result.Output.(map[string]any); ok {
			resultMsg.OutputPayload = payload
		}
	} else if result.Err != nil {
		resultMsg.Error = result.Err.Error()
	}

	if _, err := w.client.ReportResult(ctx, resultMsg); err != nil {
		w.logger.Error("grpc_report_result_failed", "work_item_id", msg.WorkItemID, "error", err.Error())
	}
}

func (w *RemoteWorker) report(ctx context.Context, msg *WorkItemMessage, payload map[string]any, reportErr error) {
	resultMsg := &ResultMessage{WorkItemID: msg.WorkItemID, OutputPayload: payload}
	if reportErr != nil {
		resultMsg.Error = reportErr.Error()
	} else {
		resultMsg.Success = true
	}
	if _, err := w.client.ReportResult(ctx, resultMsg); err != nil {
		w.logger.Error("grpc_report_result_failed", "work_item_id", msg.WorkItemID, "error", err.Error())
	}
}

// workerTransportClient is a hand-written substitute for a
// protoc-generated WorkerTransportClient, making the three unary RPCs
// and the Dispatch stream directly through *grpc.ClientConn.
type workerTransportClient struct {
	conn *grpc.ClientConn
}

func (c workerTransportClient) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*Ack, error) {
	out := new(Ack)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/RegisterWorker", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c workerTransportClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*Ack, error) {
	out := new(Ack)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Heartbeat", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c workerTransportClient) ReportResult(ctx context.Context, req *ResultMessage) (*Ack, error) {
	out := new(Ack)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ReportResult", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c workerTransportClient) Dispatch(ctx context.Context, req *RegisterWorkerRequest) (*dispatchClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Dispatch", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Dispatch")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &dispatchClientStream{stream}, nil
}

// dispatchClientStream is the client side of the Dispatch stream, the
// substitute for a generated Service_DispatchClient.
type dispatchClientStream struct {
	grpc.ClientStream
}

func (s *dispatchClientStream) Recv() (*WorkItemMessage, error) {
	m := new(WorkItemMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
