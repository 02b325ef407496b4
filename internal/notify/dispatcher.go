// Package notify delivers broker events to external sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/metrics"
	"github.com/hidsward/hidsward/pkg/types"
)

// Sink receives events that passed the filter. Errors are logged and
// counted by the dispatcher, never propagated to publishers.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev types.Event) error
	Close() error
}

// Flusher is implemented by sinks that buffer.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Options struct {
	Filter        *Filter
	Buffer        int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

type Dispatcher struct {
	broker *events.Broker
	sinks  []Sink
	opts   Options
	logger *slog.Logger
}

func NewDispatcher(broker *events.Broker, opts Options, sinks ...Sink) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{broker: broker, sinks: sinks, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

func (d *Dispatcher) Len() int { return len(d.sinks) }

// Run delivers events until ctx is done, then flushes and closes every sink.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	ch := d.broker.Subscribe(events.AllTopics, d.opts.Buffer)
	defer d.broker.Unsubscribe(events.AllTopics, ch)
	defer d.close()

	tick := time.NewTicker(d.opts.FlushInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if !d.opts.Filter.Match(ev) {
				continue
			}
			d.deliver(ev)
		case <-tick.C:
			d.flush()
		}
	}
}

func (d *Dispatcher) deliver(ev types.Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		err := s.Send(ctx, ev)
		cancel()
		if err != nil {
			d.opts.Metrics.IncSinkError(s.Name())
			d.logger.Warn("notify sink failed", "sink", s.Name(), "event", ev.Type, "address", ev.Address, "error", err)
		}
	}
}

func (d *Dispatcher) flush() {
	for _, s := range d.sinks {
		f, ok := s.(Flusher)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		err := f.Flush(ctx)
		cancel()
		if err != nil {
			d.opts.Metrics.IncSinkError(s.Name())
			d.logger.Warn("notify sink flush failed", "sink", s.Name(), "error", err)
		}
	}
}

func (d *Dispatcher) close() {
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("closing notify sinks", "error", err)
	}
}
