package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/canon"
	"github.com/stagegraph/flowengine/engine/dispatch"
)

// serviceName and the hand-rolled grpc.ServiceDesc below stand in for
// a protoc-generated registration function (see messages.go's package
// doc for why protoc can't run here). Every method name, the stream
// shape, and the wire codec are fixed by this file alone rather than a
// .proto file, so changing a WorkItemMessage field here is the whole
// compatibility surface.
const serviceName = "flowengine.dispatch.WorkerTransport"

// workerTransportServer is the interface the hand-written
// grpc.ServiceDesc dispatches to, implemented by WorkerTransportServer
// below.
type workerTransportServer interface {
	RegisterWorker(context.Context, *RegisterWorkerRequest) (*Ack, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*Ack, error)
	ReportResult(context.Context, *ResultMessage) (*Ack, error)
	Dispatch(*RegisterWorkerRequest, DispatchServer) error
}

// DispatchServer is the server side of the Dispatch stream, the
// package's substitute for a generated Service_DispatchServer type.
type DispatchServer interface {
	Send(*WorkItemMessage) error
	grpc.ServerStream
}

type dispatchServerStream struct {
	grpc.ServerStream
}

func (s *dispatchServerStream) Send(m *WorkItemMessage) error {
	return s.ServerStream.SendMsg(m)
}

func workerTransportRegisterWorkerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterWorkerRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workerTransportServer).RegisterWorker(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RegisterWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(workerTransportServer).RegisterWorker(ctx, req.(*RegisterWorkerRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func workerTransportHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workerTransportServer).Heartbeat(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(workerTransportServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func workerTransportReportResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ResultMessage)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workerTransportServer).ReportResult(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ReportResult"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(workerTransportServer).ReportResult(ctx, req.(*ResultMessage))
	}
	return interceptor(ctx, req, info, handler)
}

func workerTransportDispatchHandler(srv any, stream grpc.ServerStream) error {
	req := new(RegisterWorkerRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(workerTransportServer).Dispatch(req, &dispatchServerStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*workerTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterWorker", Handler: workerTransportRegisterWorkerHandler},
		{MethodName: "Heartbeat", Handler: workerTransportHeartbeatHandler},
		{MethodName: "ReportResult", Handler: workerTransportReportResultHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Dispatch", Handler: workerTransportDispatchHandler, ServerStreams: true},
	},
	Metadata: "flowengine/transport.go",
}

// RegisterWorkerTransportServer attaches srv to s under this
// package's hand-written ServiceDesc.
func RegisterWorkerTransportServer(s *grpc.Server, srv workerTransportServer) {
	s.RegisterService(&serviceDesc, srv)
}

// WorkerTransportServer bridges engine/dispatch's MessageQueue to
// out-of-process workers, playing the same role for a remote worker
// that dispatch.Worker plays for an in-process one: dequeue, hand off,
// track in flight, resolve on the reported terminal result. Grounded
// on coreengine/grpc/server.go's EngineServer and dispatch.Worker's
// handle/capability-filter contract.
type WorkerTransportServer struct {
	logger engine.Logger
	queue  *dispatch.MessageQueue

	mu       sync.Mutex
	inFlight map[string]*dispatch.WorkItem
}

// NewWorkerTransportServer constructs a server dispatching items
// pulled from queue to connected remote workers.
func NewWorkerTransportServer(logger engine.Logger, queue *dispatch.MessageQueue) *WorkerTransportServer {
	return &WorkerTransportServer{
		logger:   logger,
		queue:    queue,
		inFlight: make(map[string]*dispatch.WorkItem),
	}
}

// RegisterWorker records a remote worker's announced identity. The
// server keeps no persistent registry beyond logging; capability
// filtering happens per-Dispatch-call against the request the stream
// itself carries.
func (s *WorkerTransportServer) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*Ack, error) {
	s.logger.Info("grpc_worker_registered", "worker_id", req.WorkerID, "capabilities", req.Capabilities)
	return &Ack{Acknowledged: true}, nil
}

// Heartbeat accepts a remote worker's liveness/load report.
func (s *WorkerTransportServer) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*Ack, error) {
	s.logger.Debug("grpc_worker_heartbeat",
		"worker_id", req.WorkerID,
		"active_items", req.ActiveItems,
		"completed", req.Completed,
		"failed", req.Failed,
	)
	return &Ack{Acknowledged: true}, nil
}

// Dispatch streams WorkItemMessages to the connected worker for as
// long as the stream stays open. An item outside the worker's
// declared capabilities is requeued untouched rather than forced onto
// it, mirroring dispatch.Worker.handle's capability check.
func (s *WorkerTransportServer) Dispatch(req *RegisterWorkerRequest, stream DispatchServer) error {
	ctx := stream.Context()
	caps := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := s.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !caps[item.StageName] {
			s.queue.Requeue(item)
			continue
		}

		msg, err := toWorkItemMessage(item)
		if err != nil {
			s.logger.Error("grpc_snapshot_failed", "work_item_id", item.ID, "error", err.Error())
			s.queue.Fail()
			continue
		}

		s.mu.Lock()
		s.inFlight[item.ID] = item
		s.mu.Unlock()

		if err := stream.Send(msg); err != nil {
			s.mu.Lock()
			delete(s.inFlight, item.ID)
			s.mu.Unlock()
			s.queue.Requeue(item)
			return err
		}
	}
}

// ReportResult completes or requeues the WorkItem a remote worker's
// result corresponds to, mirroring dispatch.Worker.handle's
// terminal-vs-retry decision.
func (s *WorkerTransportServer) ReportResult(ctx context.Context, msg *ResultMessage) (*Ack, error) {
	s.mu.Lock()
	item, ok := s.inFlight[msg.WorkItemID]
	if ok {
		delete(s.inFlight, msg.WorkItemID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("flowengine/transport: unknown work item %q", msg.WorkItemID)
	}

	if msg.Success {
		s.queue.Complete()
		return &Ack{Acknowledged: true}, nil
	}

	item.Attempts++
	if item.Attempts < item.MaxAttempts {
		s.queue.Requeue(item)
	} else {
		s.queue.Fail()
	}
	return &Ack{Acknowledged: true}, nil
}

// toWorkItemMessage snapshots item's context through canon's
// encode/decode round trip, the same normalization
// checkpoint.CheckpointManager.Create applies before persisting a
// Checkpoint's ContextSnapshot.
func toWorkItemMessage(item *dispatch.WorkItem) (*WorkItemMessage, error) {
	snap := map[string]any{
		"Input":    item.Context.Input,
		"State":    item.Context.State.Snapshot(),
		"Shared":   item.Context.Shared,
		"Messages": item.Context.MessagesSnapshot(),
	}
	encoded, err := canon.Encode(snap)
	if err != nil {
		return nil, err
	}
	decoded, err := canon.Decode(encoded)
	if err != nil {
		return nil, err
	}
	return &WorkItemMessage{
		WorkItemID:       item.ID,
		StageName:        item.StageName,
		ContextSnapshot:  decoded,
		ExecutionID:      item.Context.ExecutionID,
		Priority:         item.Priority,
		Attempts:         item.Attempts,
		MaxAttempts:      item.MaxAttempts,
		EnqueuedAtMillis: millis(item.EnqueuedAt),
	}, nil
}

// ContextFromMessage rebuilds an engine.Context from a dispatched
// WorkItemMessage's snapshot, the remote-worker-side mirror of
// toWorkItemMessage and checkpoint.restoreContext.
func ContextFromMessage(msg *WorkItemMessage) *engine.Context {
	ec := engine.NewContext(nil, nil)
	ec.ExecutionID = msg.ExecutionID

	snap := msg.ContextSnapshot
	if snap == nil {
		return ec
	}
	if input, ok := snap["Input"]; ok {
		ec.Input = input
	}
	if state, ok := snap["State"].(map[string]any); ok {
		ec.State = engine.RestoreFromSnapshot(state)
	}
	if shared, ok := snap["Shared"].(map[string]any); ok {
		ec.Shared = shared
	}
	if messages, ok := snap["Messages"].([]any); ok {
		for _, m := range messages {
			ec.AppendMessage(m)
		}
	}
	return ec
}

// GracefulServer wraps a *grpc.Server hosting WorkerTransportServer
// with graceful-shutdown support, adapted from coreengine/grpc/
// server.go's GracefulServer.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     engine.Logger
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer constructs a GracefulServer listening on address,
// registering srv under this package's ServiceDesc with the JSON
// codec forced regardless of what content-subtype a client requests
// (there being no protobuf fallback to negotiate against).
func NewGracefulServer(srv *WorkerTransportServer, address string, logger engine.Logger) *GracefulServer {
	opts := append(ServerOptions(logger), grpc.ForceServerCodec(jsonCodec{}))
	grpcServer := grpc.NewServer(opts...)
	RegisterWorkerTransportServer(grpcServer, srv)
	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     logger,
		address:    address,
	}
}

// Start listens and serves, blocking until ctx is cancelled, at which
// point it performs a graceful shutdown and returns ctx.Err().
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("flowengine/transport: listen: %w", err)
	}

	s.logger.Info("grpc_transport_server_started", "address", s.address)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_transport_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// StartBackground listens and serves in a goroutine, returning a
// channel that receives the terminal Serve error.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("flowengine/transport: listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()
	s.logger.Info("grpc_transport_server_started_background", "address", s.address)
	return errCh, nil
}

// GracefulStop stops accepting new connections and waits for
// in-flight RPCs (including open Dispatch streams) to finish.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return
	}
	s.isShutdown = true
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_transport_shutdown_completed")
}

// ShutdownWithTimeout attempts a graceful stop and forces an
// immediate one if it doesn't complete within timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_transport_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.shutdownMu.Lock()
		s.isShutdown = true
		s.shutdownMu.Unlock()
		s.grpcServer.Stop()
	}
}
