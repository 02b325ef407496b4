package store

import (
	"context"

	"github.com/hidsward/hidsward/pkg/types"
)

// IncidentStore is the append-only incident log.
type IncidentStore interface {
	AppendIncident(ctx context.Context, inc types.Incident) (int64, error)
	QueryIncidents(ctx context.Context, q types.IncidentQuery) ([]types.Incident, error)
	IncidentStats(ctx context.Context) (types.IncidentStats, error)
	Close() error
}

// IncidentSink receives a copy of every persisted incident. Sinks cannot be
// queried.
type IncidentSink interface {
	WriteIncident(ctx context.Context, inc types.Incident) error
	Close() error
}

// BlockLedger holds at most one BlockRecord per address.
type BlockLedger interface {
	GetBlock(ctx context.Context, address string) (types.BlockRecord, bool, error)
	PutBlock(ctx context.Context, rec types.BlockRecord) error
	DeleteBlock(ctx context.Context, address string) (bool, error)
	ListBlocks(ctx context.Context) ([]types.BlockRecord, error)
	MarkIncidentsBlocked(ctx context.Context, address string) error
}

type WhitelistStore interface {
	AddWhitelist(ctx context.Context, e types.WhitelistEntry) (bool, error)
	RemoveWhitelist(ctx context.Context, address string) (bool, error)
	IsWhitelisted(ctx context.Context, address string) (bool, error)
	ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error)
}
