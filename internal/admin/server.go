package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/robohub/robohub/internal/dispatch"
	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
)

// Server implements AdminServer over the hub's registry, dispatcher and history
type Server struct {
	UnimplementedAdminServer

	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	history    *telemetry.History
	now        func() time.Time
}

// NewServer creates the admin service. history may be nil.
func NewServer(reg *registry.Registry, d *dispatch.Dispatcher, history *telemetry.History) *Server {
	return &Server{
		registry:   reg,
		dispatcher: d,
		history:    history,
		now:        time.Now,
	}
}

// ListenAndServe serves the admin service on addr until ctx is done
func ListenAndServe(ctx context.Context, addr string, impl AdminServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return Serve(ctx, lis, impl)
}

// Serve serves the admin service on lis until ctx is done
func Serve(ctx context.Context, lis net.Listener, impl AdminServer) error {
	grpcServer := grpc.NewServer()
	RegisterAdminServer(grpcServer, impl)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logging.Infof("admin service listening: addr=%s", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("admin service: %w", err)
	}
	return nil
}

// ListSessions returns every live session
func (s *Server) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{"sessions": s.registry.Snapshot()})
}

// SendCommand builds a command envelope and sends it to one session or all of them
func (s *Server) SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	name := fields["command"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	args := envelope.CommandArgs{
		Direction: fields["direction"].GetStringValue(),
		Duration:  fields["duration"].GetNumberValue(),
		UploadURL: fields["upload_url"].GetStringValue(),
	}
	env, err := envelope.NewCommand(name, args, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var rep dispatch.Report
	target, hasTarget := fields["session"]
	switch {
	case !hasTarget || target.GetKind() == nil:
		rep = s.dispatcher.Broadcast(env)
	default:
		switch v := target.GetKind().(type) {
		case *structpb.Value_StringValue:
			rep, err = s.dispatcher.SendToKey(v.StringValue, env)
		case *structpb.Value_NumberValue:
			if v.NumberValue != math.Trunc(v.NumberValue) || v.NumberValue < 0 {
				return nil, status.Errorf(codes.InvalidArgument, "session id must be a non-negative integer, got %v", v.NumberValue)
			}
			rep, err = s.dispatcher.SendTo(int(v.NumberValue), env)
		case *structpb.Value_NullValue:
			rep = s.dispatcher.Broadcast(env)
		default:
			return nil, status.Error(codes.InvalidArgument, "session must be a key or a slot id")
		}
		if errors.Is(err, registry.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	logging.Infof("admin command: command=%s delivered=%d failed=%d", rep.Command, len(rep.Delivered), len(rep.Failed))
	return toStruct(newCommandResult(rep))
}

// TelemetryHistory returns stored telemetry samples for a session key
func (s *Server) TelemetryHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unavailable, "telemetry history is disabled")
	}

	key := req.GetFields()["key"].GetStringValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	since := int64(req.GetFields()["since_ms"].GetNumberValue())

	peer, ok := s.history.Peer(key)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no telemetry for session %s", key)
	}
	return toStruct(HistoryResult{Key: key, Peer: peer, Samples: s.history.Get(key, since)})
}

// toStruct converts a JSON-serializable value into a Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "unmarshal response: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return st, nil
}

// fromStruct decodes a Struct into v
func fromStruct(st *structpb.Struct, v any) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
