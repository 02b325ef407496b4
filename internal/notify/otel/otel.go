// Package otel exports broker events as OpenTelemetry log records over OTLP.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"
)

// Config holds the configuration needed to construct a Sink.
type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool // skip server certificate verification

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Resource *resource.Resource
}

// Sink emits one log record per event. Export happens in the SDK's batch
// processor, so Send never waits on the collector.
type Sink struct {
	provider     *sdklog.LoggerProvider
	logger       otellog.Logger
	closeTimeout time.Duration
}

// New builds the OTLP exporter and a batching logger provider around it.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()
	exp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(cfg.Timeout),
		sdklog.WithExportInterval(cfg.BatchTimeout),
		sdklog.WithExportMaxBatchSize(cfg.BatchMaxSize),
	)
	s := newSink(proc, cfg.Resource)
	s.closeTimeout = cfg.Timeout
	return s, nil
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = "grpc"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = 512
	}
	return c
}

func newSink(proc sdklog.Processor, res *resource.Resource) *Sink {
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(proc)}
	if res != nil {
		opts = append(opts, sdklog.WithResource(res))
	}
	lp := sdklog.NewLoggerProvider(opts...)
	return &Sink{provider: lp, logger: lp.Logger("hidsward"), closeTimeout: 10 * time.Second}
}

func (s *Sink) Name() string { return "otel" }

func (s *Sink) Send(ctx context.Context, ev types.Event) error {
	s.logger.Emit(ctx, convertToLogRecord(ev))
	return nil
}

func (s *Sink) Flush(ctx context.Context) error {
	return s.provider.ForceFlush(ctx)
}

// Close drains pending records, giving up after the export timeout.
func (s *Sink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel shutdown: %w", err)
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{
			otlploggrpc.WithEndpoint(cfg.Endpoint),
			otlploggrpc.WithTimeout(cfg.Timeout),
			otlploggrpc.WithHeaders(cfg.Headers),
		}
		if tlsCfg == nil {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		}
		return otlploggrpc.New(ctx, opts...)
	case "http":
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(cfg.Endpoint),
			otlploghttp.WithTimeout(cfg.Timeout),
			otlploghttp.WithHeaders(cfg.Headers),
		}
		if tlsCfg == nil {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		}
		return otlploghttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported otel protocol %q", cfg.Protocol)
}

// clientTLS returns nil when TLS is off, which selects a plaintext exporter.
func clientTLS(cfg Config) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	tc := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure, MinVersion: tls.VersionTLS12}
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return tc, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load otel client cert: %w", err)
	}
	tc.Certificates = []tls.Certificate{cert}
	return tc, nil
}
