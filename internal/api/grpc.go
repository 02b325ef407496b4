package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	GRPCServiceName         = "hidsward.v1.Control"
	GRPCMethodBlock         = "/hidsward.v1.Control/Block"
	GRPCMethodUnblock       = "/hidsward.v1.Control/Unblock"
	GRPCMethodQuery         = "/hidsward.v1.Control/Query"
	GRPCMethodListBlocks    = "/hidsward.v1.Control/ListBlocks"
	GRPCMethodListIncidents = "/hidsward.v1.Control/ListIncidents"
	GRPCMethodWhitelist     = "/hidsward.v1.Control/Whitelist"
	GRPCMethodWatchEvents   = "/hidsward.v1.Control/WatchEvents"
	grpcAPIKeyMetadata      = "x-api-key"
	GRPCWhitelistAdd        = "add"
	GRPCWhitelistRemove     = "remove"
	GRPCWhitelistList       = "list"
)

type grpcServer struct {
	app *App
}

// ControlGRPCServer is the handler type of the hand-written service
// descriptor. Every payload is a structpb.Struct carrying the same JSON the
// HTTP API uses.
type ControlGRPCServer interface {
	Block(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unblock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBlocks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIncidents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Whitelist(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

func RegisterGRPC(s *grpc.Server, app *App) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: GRPCServiceName,
		HandlerType: (*ControlGRPCServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Block", Handler: grpcUnaryHandler(GRPCMethodBlock, (*grpcServer).Block)},
			{MethodName: "Unblock", Handler: grpcUnaryHandler(GRPCMethodUnblock, (*grpcServer).Unblock)},
			{MethodName: "Query", Handler: grpcUnaryHandler(GRPCMethodQuery, (*grpcServer).Query)},
			{MethodName: "ListBlocks", Handler: grpcUnaryHandler(GRPCMethodListBlocks, (*grpcServer).ListBlocks)},
			{MethodName: "ListIncidents", Handler: grpcUnaryHandler(GRPCMethodListIncidents, (*grpcServer).ListIncidents)},
			{MethodName: "Whitelist", Handler: grpcUnaryHandler(GRPCMethodWhitelist, (*grpcServer).Whitelist)},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "WatchEvents",
				Handler:       grpcHandleWatchEvents,
				ServerStreams: true,
			},
		},
		Metadata: "proto/hidsward/v1/control.proto",
	}, &grpcServer{app: app})
}

// grpcUnaryHandler creates a standard unary handler for a given method.
func grpcUnaryHandler(method string, fn func(*grpcServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		base := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(*grpcServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return base(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, base)
	}
}

func grpcHandleWatchEvents(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*grpcServer).WatchEvents(in, stream)
}

func (s *grpcServer) Block(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	address := stringField(m, "address")
	reason := strings.TrimSpace(stringField(m, "reason"))
	if reason == "" {
		return nil, status.Error(codes.InvalidArgument, "reason is required")
	}
	d, err := s.app.blockDuration(stringField(m, "duration"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.app.blocks.RequestBlock(ctx, address, reason, d)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(res)
}

func (s *grpcServer) Unblock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.app.blocks.RequestUnblock(ctx, stringField(in.AsMap(), "address"))
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(res)
}

func (s *grpcServer) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.app.blocks.Query(ctx, stringField(in.AsMap(), "address"))
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(st)
}

func (s *grpcServer) ListBlocks(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	recs, err := s.app.blocks.List(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	if recs == nil {
		recs = []types.BlockRecord{}
	}
	return toStruct(map[string]any{"blocks": recs})
}

func (s *grpcServer) ListIncidents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	q := types.IncidentQuery{Limit: defaultIncidentLimit, Address: stringField(m, "address")}
	if v, ok := m["limit"].(float64); ok && v > 0 {
		q.Limit = min(int(v), maxIncidentLimit)
	}
	if v := stringField(m, "since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid since (want RFC3339)")
		}
		q.Since = t.UTC()
	}
	if q.Address != "" {
		if err := types.ValidateIPv4(q.Address); err != nil {
			return nil, grpcError(err)
		}
	}
	incs, err := s.app.incidents.QueryIncidents(ctx, q)
	if err != nil {
		return nil, grpcError(err)
	}
	if incs == nil {
		incs = []types.Incident{}
	}
	return toStruct(map[string]any{"incidents": incs})
}

// Whitelist multiplexes add, remove and list on the "action" field.
func (s *grpcServer) Whitelist(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	address := stringField(m, "address")
	switch action := stringField(m, "action"); action {
	case GRPCWhitelistAdd:
		res, err := s.app.blocks.AddWhitelist(ctx, address, strings.TrimSpace(stringField(m, "note")))
		if err != nil {
			return nil, grpcError(err)
		}
		return toStruct(res)
	case GRPCWhitelistRemove:
		removed, err := s.app.blocks.RemoveWhitelist(ctx, address)
		if err != nil {
			return nil, grpcError(err)
		}
		return toStruct(map[string]any{"address": address, "removed": removed, "changed": removed})
	case GRPCWhitelistList, "":
		entries, err := s.app.blocks.ListWhitelist(ctx)
		if err != nil {
			return nil, grpcError(err)
		}
		if entries == nil {
			entries = []types.WhitelistEntry{}
		}
		return toStruct(map[string]any{"entries": entries})
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown whitelist action %q", action)
	}
}

func (s *grpcServer) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.app.broker == nil {
		return status.Error(codes.Unavailable, "event stream unavailable")
	}
	m := in.AsMap()
	addr := stringField(m, "address")
	topic := stringField(m, "type")
	ch := s.app.broker.Subscribe(topic, streamBuffer)
	defer s.app.broker.Unsubscribe(topic, ch)

	// First message mirrors HTTP's "ready" event.
	ready := &structpb.Struct{}
	_ = protojson.Unmarshal([]byte(`{"type":"ready"}`), ready)
	if err := stream.SendMsg(ready); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if addr != "" && ev.Address != addr {
				continue
			}
			out, err := toStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// grpcError maps a domain error to a gRPC status.
func grpcError(err error) error {
	switch {
	case errors.Is(err, types.ErrWhitelistConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrEnforcementFailed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, types.ErrInvalidAddress), errors.Is(err, types.ErrProtectedAddress):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func GRPCUnaryAuthInterceptor(app *App) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := grpcAuth(app, ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func GRPCStreamAuthInterceptor(app *App) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := grpcAuth(app, ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func grpcAuth(app *App, ctx context.Context) error {
	if app == nil {
		return status.Error(codes.Internal, "server not initialized")
	}
	if app.apiKey == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	var key string
	if vals := md.Get(grpcAPIKeyMetadata); len(vals) > 0 {
		key = vals[0]
	}
	if !app.keyAllowed(key) {
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	return nil
}
