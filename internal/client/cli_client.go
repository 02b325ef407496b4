package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/hidsward/hidsward/pkg/types"
)

// CLIClient is the operator surface shared by the HTTP and gRPC clients.
type CLIClient interface {
	Block(ctx context.Context, address, reason, duration string) (types.TransitionResult, error)
	Unblock(ctx context.Context, address string) (types.TransitionResult, error)
	Status(ctx context.Context, address string) (types.BlockStatus, error)
	ListBlocks(ctx context.Context) ([]types.BlockRecord, error)

	Incidents(ctx context.Context, address string, limit int) ([]types.Incident, error)
	IncidentStats(ctx context.Context) (types.IncidentStats, error)

	AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error)
	RemoveWhitelist(ctx context.Context, address string) (bool, error)
	ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error)

	WatchEvents(ctx context.Context, f WatchFilter, fn func(types.Event) error) error
}

type CLIOptions struct {
	HTTPBaseURL string
	GRPCAddr    string
	APIKey      string
	Transport   string // http|grpc
}

func NewForCLI(opts CLIOptions) (CLIClient, error) {
	transport := strings.ToLower(strings.TrimSpace(opts.Transport))
	if transport == "" {
		transport = "http"
	}
	switch transport {
	case "http":
		return New(opts.HTTPBaseURL, opts.APIKey), nil
	case "grpc":
		httpc := New(opts.HTTPBaseURL, opts.APIKey)
		gaddr := strings.TrimSpace(opts.GRPCAddr)
		if gaddr == "" {
			return nil, fmt.Errorf("grpc transport selected but no grpc address configured")
		}
		grpcC, err := NewGRPC(gaddr, opts.APIKey)
		if err != nil {
			return nil, err
		}
		return &HybridClient{Client: httpc, grpc: grpcC}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (expected http|grpc)", opts.Transport)
	}
}

// HybridClient sends everything the gRPC service covers over gRPC and falls
// back to HTTP for the rest (incident stats).
type HybridClient struct {
	*Client
	grpc *GRPCClient
}

func (h *HybridClient) Block(ctx context.Context, address, reason, duration string) (types.TransitionResult, error) {
	return h.grpc.Block(ctx, address, reason, duration)
}

func (h *HybridClient) Unblock(ctx context.Context, address string) (types.TransitionResult, error) {
	return h.grpc.Unblock(ctx, address)
}

func (h *HybridClient) Status(ctx context.Context, address string) (types.BlockStatus, error) {
	return h.grpc.Status(ctx, address)
}

func (h *HybridClient) ListBlocks(ctx context.Context) ([]types.BlockRecord, error) {
	return h.grpc.ListBlocks(ctx)
}

func (h *HybridClient) Incidents(ctx context.Context, address string, limit int) ([]types.Incident, error) {
	return h.grpc.Incidents(ctx, address, limit)
}

func (h *HybridClient) AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error) {
	return h.grpc.AddWhitelist(ctx, address, note)
}

func (h *HybridClient) RemoveWhitelist(ctx context.Context, address string) (bool, error) {
	return h.grpc.RemoveWhitelist(ctx, address)
}

func (h *HybridClient) ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	return h.grpc.ListWhitelist(ctx)
}

func (h *HybridClient) WatchEvents(ctx context.Context, f WatchFilter, fn func(types.Event) error) error {
	return h.grpc.WatchEvents(ctx, f, fn)
}
