package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record

	rec.SetTimestamp(ev.Timestamp)
	if ev.ObservedAt != nil {
		rec.SetObservedTimestamp(*ev.ObservedAt)
	}
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	rec.SetSeverity(eventSeverity(ev))
	rec.SetSeverityText(eventSeverity(ev).String())
	rec.AddAttributes(eventAttributes(ev)...)
	return rec
}

// eventBody returns a human-readable summary of the event.
func eventBody(ev types.Event) string {
	switch ev.Type {
	case types.EventAlert:
		return fmt.Sprintf("alert: %s: %s", ev.Address, ev.Reason)
	case types.EventBlockStateChange:
		if ev.ExpiresAt != nil {
			return fmt.Sprintf("%s %s until %s", ev.Address, ev.NewState, ev.ExpiresAt.Format(time.RFC3339))
		}
		return fmt.Sprintf("%s %s", ev.Address, ev.NewState)
	case types.EventWhitelistChange:
		return fmt.Sprintf("whitelist %s: %s", ev.Cause, ev.Address)
	}
	return fmt.Sprintf("%s: %s", ev.Type, ev.Address)
}

// eventSeverity ranks intrusion alerts above bookkeeping events.
func eventSeverity(ev types.Event) otellog.Severity {
	switch {
	case ev.Type == types.EventAlert:
		return otellog.SeverityWarn
	case ev.Type == types.EventBlockStateChange && ev.NewState == types.StateBlocked:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

func eventAttributes(ev types.Event) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("hidsward.event.type", ev.Type),
	}
	if ev.ID != "" {
		attrs = append(attrs, otellog.String("hidsward.event.id", ev.ID))
	}
	if ev.Address != "" {
		attrs = append(attrs, otellog.String("source.address", ev.Address))
	}
	if ev.Reason != "" {
		attrs = append(attrs, otellog.String("hidsward.reason", ev.Reason))
	}
	if ev.IncidentID != 0 {
		attrs = append(attrs, otellog.Int64("hidsward.incident.id", ev.IncidentID))
	}
	if ev.NewState != "" {
		attrs = append(attrs, otellog.String("hidsward.block.state", string(ev.NewState)))
	}
	if ev.ExpiresAt != nil {
		attrs = append(attrs, otellog.String("hidsward.block.expires_at", ev.ExpiresAt.Format(time.RFC3339)))
	}
	if ev.Cause != "" {
		attrs = append(attrs, otellog.String("hidsward.cause", ev.Cause))
	}
	for k, v := range ev.Fields {
		switch val := v.(type) {
		case string:
			if val != "" {
				attrs = append(attrs, otellog.String("hidsward."+k, val))
			}
		case int:
			attrs = append(attrs, otellog.Int("hidsward."+k, val))
		case int64:
			attrs = append(attrs, otellog.Int64("hidsward."+k, val))
		case float64:
			attrs = append(attrs, otellog.Float64("hidsward."+k, val))
		case bool:
			attrs = append(attrs, otellog.Bool("hidsward."+k, val))
		}
	}
	return attrs
}

// BuildResource creates an OTEL Resource with the service name and optional
// extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(kvs...),
	)
	return res
}
