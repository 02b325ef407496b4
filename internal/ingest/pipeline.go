// Package ingest turns raw alert messages into persisted incidents and alert
// events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/metrics"
	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/internal/transport"
	"github.com/hidsward/hidsward/pkg/types"
)

type Options struct {
	Store   store.IncidentStore
	Broker  *events.Broker
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Now     func() time.Time
}

type Pipeline struct {
	store   store.IncidentStore
	broker  *events.Broker
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("ingest: incident store is required")
	}
	p := &Pipeline{
		store:   opts.Store,
		broker:  opts.Broker,
		metrics: opts.Metrics,
		logger:  logging.OrDiscard(opts.Logger),
		now:     opts.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// HandleAlert implements transport.Handler.
func (p *Pipeline) HandleAlert(ctx context.Context, payload []byte, peer transport.Peer) error {
	_, err := p.Ingest(ctx, payload, peer)
	return err
}

// Ingest decodes, persists and announces one alert. Malformed input is
// logged and returned as ErrMalformedAlert; nothing is stored for it.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte, peer transport.Peer) (types.Incident, error) {
	alert, err := Decode(payload, p.now())
	if err != nil {
		p.metrics.IncAlertMalformed()
		p.logger.Warn("dropping malformed alert", append(peer.LogAttrs(), "bytes", len(payload), "error", err)...)
		return types.Incident{}, err
	}

	inc := types.Incident{Address: alert.Address, Reason: alert.Reason, ObservedAt: alert.ObservedAt}
	id, err := p.store.AppendIncident(ctx, inc)
	if err != nil {
		p.logger.Error("persist incident failed", "address", alert.Address, "error", err)
		return types.Incident{}, fmt.Errorf("persist incident: %w", err)
	}
	inc.ID = id
	p.metrics.IncAlertAccepted()
	p.logger.Info("alert received", append(peer.LogAttrs(), "address", inc.Address, "reason", inc.Reason, "incident_id", id)...)

	if p.broker != nil {
		observed := inc.ObservedAt
		p.broker.Publish(types.Event{
			Type:       types.EventAlert,
			Address:    inc.Address,
			Reason:     inc.Reason,
			ObservedAt: &observed,
			IncidentID: id,
		})
	}
	return inc, nil
}
