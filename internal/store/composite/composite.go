package composite

import (
	"context"
	"log/slog"

	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/pkg/types"
)

// Store writes incidents to the primary store and copies them to mirrors.
// Queries only hit the primary. Mirror failures are logged, never returned:
// the primary is authoritative.
type Store struct {
	primary store.IncidentStore
	mirrors []store.IncidentSink
	logger  *slog.Logger
}

func New(primary store.IncidentStore, logger *slog.Logger, mirrors ...store.IncidentSink) *Store {
	return &Store{primary: primary, mirrors: mirrors, logger: logging.OrDiscard(logger)}
}

func (s *Store) AppendIncident(ctx context.Context, inc types.Incident) (int64, error) {
	id, err := s.primary.AppendIncident(ctx, inc)
	if err != nil {
		return 0, err
	}
	inc.ID = id
	for _, m := range s.mirrors {
		if err := m.WriteIncident(ctx, inc); err != nil {
			s.logger.Warn("incident mirror write failed", "incident_id", id, "error", err)
		}
	}
	return id, nil
}

func (s *Store) QueryIncidents(ctx context.Context, q types.IncidentQuery) ([]types.Incident, error) {
	return s.primary.QueryIncidents(ctx, q)
}

func (s *Store) IncidentStats(ctx context.Context) (types.IncidentStats, error) {
	return s.primary.IncidentStats(ctx)
}

func (s *Store) Close() error {
	var firstErr error
	for _, m := range s.mirrors {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
