package metrics

import (
	"context"

	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/pkg/types"
)

type wrappedIncidentStore struct {
	inner store.IncidentStore
	c     *Collector
}

// WrapIncidentStore counts every successfully persisted incident by reason.
func WrapIncidentStore(inner store.IncidentStore, c *Collector) store.IncidentStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedIncidentStore{inner: inner, c: c}
}

func (w *wrappedIncidentStore) AppendIncident(ctx context.Context, inc types.Incident) (int64, error) {
	id, err := w.inner.AppendIncident(ctx, inc)
	if err == nil {
		w.c.IncIncident(inc.Reason)
	}
	return id, err
}

func (w *wrappedIncidentStore) QueryIncidents(ctx context.Context, q types.IncidentQuery) ([]types.Incident, error) {
	return w.inner.QueryIncidents(ctx, q)
}

func (w *wrappedIncidentStore) IncidentStats(ctx context.Context) (types.IncidentStats, error) {
	return w.inner.IncidentStats(ctx)
}

func (w *wrappedIncidentStore) Close() error { return w.inner.Close() }
