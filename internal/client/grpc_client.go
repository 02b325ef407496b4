package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hidsward/hidsward/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	methodBlock         = "/hidsward.v1.Control/Block"
	methodUnblock       = "/hidsward.v1.Control/Unblock"
	methodQuery         = "/hidsward.v1.Control/Query"
	methodListBlocks    = "/hidsward.v1.Control/ListBlocks"
	methodListIncidents = "/hidsward.v1.Control/ListIncidents"
	methodWhitelist     = "/hidsward.v1.Control/Whitelist"
	methodWatchEvents   = "/hidsward.v1.Control/WatchEvents"
)

type GRPCClient struct {
	addr   string
	apiKey string
	conn   *grpc.ClientConn
}

// NewGRPC connects lazily to addr, which is either host:port or
// unix:///path/to/socket.
func NewGRPC(addr string, apiKey string, opts ...grpc.DialOption) (*GRPCClient, error) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return nil, fmt.Errorf("grpc addr is empty")
	}
	if !strings.HasPrefix(a, "unix:") && !strings.Contains(a, "://") {
		a = "passthrough:///" + a
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(a, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{addr: a, apiKey: apiKey, conn: conn}, nil
}

func (c *GRPCClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *GRPCClient) Block(ctx context.Context, address, reason, duration string) (types.TransitionResult, error) {
	var out types.TransitionResult
	err := c.call(ctx, methodBlock, map[string]any{"address": address, "reason": reason, "duration": duration}, &out)
	return out, err
}

func (c *GRPCClient) Unblock(ctx context.Context, address string) (types.TransitionResult, error) {
	var out types.TransitionResult
	err := c.call(ctx, methodUnblock, map[string]any{"address": address}, &out)
	return out, err
}

func (c *GRPCClient) Status(ctx context.Context, address string) (types.BlockStatus, error) {
	var out types.BlockStatus
	err := c.call(ctx, methodQuery, map[string]any{"address": address}, &out)
	return out, err
}

func (c *GRPCClient) ListBlocks(ctx context.Context) ([]types.BlockRecord, error) {
	var out struct {
		Blocks []types.BlockRecord `json:"blocks"`
	}
	if err := c.call(ctx, methodListBlocks, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

func (c *GRPCClient) Incidents(ctx context.Context, address string, limit int) ([]types.Incident, error) {
	in := map[string]any{"address": address}
	if limit > 0 {
		in["limit"] = limit
	}
	var out struct {
		Incidents []types.Incident `json:"incidents"`
	}
	if err := c.call(ctx, methodListIncidents, in, &out); err != nil {
		return nil, err
	}
	return out.Incidents, nil
}

func (c *GRPCClient) AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error) {
	var out types.WhitelistResult
	err := c.call(ctx, methodWhitelist, map[string]any{"action": "add", "address": address, "note": note}, &out)
	return out, err
}

func (c *GRPCClient) RemoveWhitelist(ctx context.Context, address string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.call(ctx, methodWhitelist, map[string]any{"action": "remove", "address": address}, &out)
	return out.Removed, err
}

func (c *GRPCClient) ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	var out struct {
		Entries []types.WhitelistEntry `json:"entries"`
	}
	if err := c.call(ctx, methodWhitelist, map[string]any{"action": "list"}, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *GRPCClient) WatchEvents(ctx context.Context, f WatchFilter, fn func(types.Event) error) error {
	in, err := jsonToStruct(map[string]any{"address": f.Address, "type": f.Type})
	if err != nil {
		return err
	}
	stream, err := c.newServerStream(ctx, methodWatchEvents, in)
	if err != nil {
		return domainError(err)
	}
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return domainError(err)
		}
		var ev types.Event
		if err := structToJSON(msg, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Type == "ready" {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *GRPCClient) call(ctx context.Context, method string, in map[string]any, out any) error {
	req, err := jsonToStruct(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.invokeUnary(ctx, method, req, resp); err != nil {
		return domainError(err)
	}
	return structToJSON(resp, out)
}

func (c *GRPCClient) invokeUnary(ctx context.Context, method string, in *structpb.Struct, out *structpb.Struct) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("grpc client not initialized")
	}
	ctx = c.withAuth(ctx)
	return c.conn.Invoke(ctx, method, in, out)
}

func (c *GRPCClient) newServerStream(ctx context.Context, method string, in *structpb.Struct) (grpc.ClientStream, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("grpc client not initialized")
	}
	ctx = c.withAuth(ctx)
	desc := &grpc.StreamDesc{ServerStreams: true, ClientStreams: false}
	cs, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *GRPCClient) withAuth(ctx context.Context) context.Context {
	if strings.TrimSpace(c.apiKey) == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-api-key", c.apiKey)
}

// domainError wraps gRPC statuses that carry a domain meaning with the
// matching sentinel.
func domainError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", types.ErrWhitelistConflict, st.Message())
	case codes.Unavailable:
		if strings.Contains(st.Message(), types.ErrEnforcementFailed.Error()) {
			return fmt.Errorf("%w: %s", types.ErrEnforcementFailed, st.Message())
		}
	}
	return err
}

func jsonToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func structToJSON(in *structpb.Struct, out any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
