package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hidsward/hidsward/internal/api"
	"github.com/hidsward/hidsward/internal/autoblock"
	"github.com/hidsward/hidsward/internal/blockstate"
	"github.com/hidsward/hidsward/internal/config"
	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/firewall"
	"github.com/hidsward/hidsward/internal/ingest"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/metrics"
	"github.com/hidsward/hidsward/internal/notify"
	"github.com/hidsward/hidsward/internal/notify/otel"
	"github.com/hidsward/hidsward/internal/notify/webhook"
	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/internal/store/composite"
	"github.com/hidsward/hidsward/internal/store/jsonl"
	"github.com/hidsward/hidsward/internal/store/sqlite"
	"github.com/hidsward/hidsward/internal/transport"
	"github.com/hidsward/hidsward/internal/whitelist"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout  = 10 * time.Second
	autoBlockTimeout = 30 * time.Second
)

// Server owns every long-running component of the daemon.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	logClose  func() error
	db        *sqlite.Store
	incidents *composite.Store
	broker    *events.Broker
	effector  firewall.Effector
	machine   *blockstate.Machine
	listener  *transport.Listener
	restart   transport.RestartPolicy
	syncer    *whitelist.Syncer
	notifier  *notify.Dispatcher
	policy    *autoblock.Policy

	httpServer *http.Server
	httpLn     net.Listener
	grpcServer *grpc.Server
	grpcLn     net.Listener

	closeOnce sync.Once
}

func New(cfg *config.Config) (*Server, error) {
	logger, logClose, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	s := &Server{cfg: cfg, logger: logger, logClose: logClose}
	if err := s.build(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.cfg
	collector := metrics.New()

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("mkdir storage dir: %w", err)
		}
	}
	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	s.db = db

	var mirrors []store.IncidentSink
	if cfg.Storage.IncidentLog.Enabled {
		jl, err := jsonl.New(cfg.Storage.IncidentLog.Path, cfg.Storage.IncidentLog.MaxSizeMB, cfg.Storage.IncidentLog.MaxBackups)
		if err != nil {
			return fmt.Errorf("open incident log: %w", err)
		}
		mirrors = append(mirrors, jl)
	}
	s.incidents = composite.New(db, s.logger, mirrors...)
	incidents := metrics.WrapIncidentStore(s.incidents, collector)

	s.broker = events.NewBroker(s.logger)

	eff, err := firewall.New(cfg.Firewall, s.logger)
	if err != nil {
		return err
	}
	s.effector = eff

	m, err := blockstate.New(blockstate.Options{
		Ledger:    db,
		Whitelist: db,
		Effector:  eff,
		Broker:    s.broker,
		Metrics:   collector,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	s.machine = m

	pipeline, err := ingest.NewPipeline(ingest.Options{
		Store:   incidents,
		Broker:  s.broker,
		Metrics: collector,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	perm, err := config.ParseFileMode(cfg.Listener.Permissions)
	if err != nil {
		return err
	}
	maxPayload, err := config.ParseByteSize(cfg.Listener.MaxPayload)
	if err != nil {
		return err
	}
	s.listener = transport.NewListener(transport.Options{
		SocketPath:  cfg.Listener.SocketPath,
		Permissions: perm,
		ReadTimeout: config.MustDuration(cfg.Listener.ReadTimeout),
		MaxPayload:  maxPayload,
		Metrics:     collector,
		Logger:      s.logger,
	}, pipeline)
	s.restart = transport.RestartPolicy{
		InitialInterval: config.MustDuration(cfg.Listener.Restart.InitialInterval),
		MaxInterval:     config.MustDuration(cfg.Listener.Restart.MaxInterval),
		MaxElapsed:      config.MustDuration(cfg.Listener.Restart.MaxElapsed),
	}

	wlOpts := whitelist.Options{
		File:   cfg.Whitelist.File,
		Static: cfg.Whitelist.Entries,
		Watch:  cfg.Whitelist.Watch,
		Logger: s.logger,
	}
	if cfg.Whitelist.ResolveHostnames {
		wlOpts.Resolver = whitelist.NewDNSResolver(cfg.Whitelist.Nameserver)
	}
	s.syncer = whitelist.NewSyncer(wlOpts, m)

	if err := s.buildNotifier(collector); err != nil {
		return err
	}

	if ab := cfg.Blocking.AutoBlock; ab.Enabled {
		s.policy = autoblock.New(s.broker, incidents, m, autoblock.Options{
			Threshold: ab.Threshold,
			Window:    config.MustDuration(ab.Window),
			Duration:  config.MustDuration(ab.Duration),
			Timeout:   autoBlockTimeout,
			Logger:    s.logger,
		})
	}

	opts := api.Options{
		Blocks:          m,
		Incidents:       incidents,
		Broker:          s.broker,
		MetricsPath:     cfg.Metrics.Path,
		APIKey:          cfg.Control.APIKey,
		DefaultDuration: config.MustDuration(cfg.Blocking.DefaultDuration),
		Logger:          s.logger,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = collector.Handler(metrics.HandlerOptions{
			BlockedCount:    s.blockedCount,
			PendingExpiries: func() int { return len(m.Pending()) },
			DroppedEvents:   s.broker.DroppedCount,
		})
	}
	app := api.NewApp(opts)

	ctlPerm, err := config.ParseFileMode(cfg.Control.Permissions)
	if err != nil {
		return err
	}
	s.httpLn, err = listenUnix(cfg.Control.SocketPath, ctlPerm)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Control.GRPCSocketPath != "" {
		s.grpcLn, err = listenUnix(cfg.Control.GRPCSocketPath, ctlPerm)
		if err != nil {
			return fmt.Errorf("grpc socket: %w", err)
		}
		gs := grpc.NewServer(
			grpc.UnaryInterceptor(api.GRPCUnaryAuthInterceptor(app)),
			grpc.StreamInterceptor(api.GRPCStreamAuthInterceptor(app)),
		)
		api.RegisterGRPC(gs, app)
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(gs, hs)
		s.grpcServer = gs
	}
	return nil
}

func (s *Server) buildNotifier(collector *metrics.Collector) error {
	cfg := s.cfg.Notify
	filter, err := notify.NewFilter(cfg.Filter)
	if err != nil {
		return err
	}

	var sinks []notify.Sink
	if cfg.Webhook.Enabled {
		wh, err := webhook.New(cfg.Webhook.URL, cfg.Webhook.BatchSize,
			config.MustDuration(cfg.Webhook.FlushInterval), config.MustDuration(cfg.Webhook.Timeout), cfg.Webhook.Headers)
		if err != nil {
			return fmt.Errorf("webhook sink: %w", err)
		}
		sinks = append(sinks, wh)
	}
	if cfg.OTEL.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), config.MustDuration(cfg.OTEL.Timeout))
		defer cancel()
		host, _ := os.Hostname()
		sink, err := otel.New(ctx, otel.Config{
			Endpoint:    cfg.OTEL.Endpoint,
			Protocol:    cfg.OTEL.Protocol,
			TLSEnabled:  cfg.OTEL.TLS.Enabled,
			TLSCertFile: cfg.OTEL.TLS.CertFile,
			TLSKeyFile:  cfg.OTEL.TLS.KeyFile,
			TLSInsecure: cfg.OTEL.TLS.Insecure,
			Headers:     cfg.OTEL.Headers,
			Timeout:     config.MustDuration(cfg.OTEL.Timeout),
			Resource:    otel.BuildResource(cfg.OTEL.ServiceName, map[string]string{"host.name": host}),
		})
		if err != nil {
			for _, sk := range sinks {
				_ = sk.Close()
			}
			return fmt.Errorf("otel sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	s.notifier = notify.NewDispatcher(s.broker, notify.Options{
		Filter:  filter,
		Metrics: collector,
		Logger:  s.logger,
	}, sinks...)
	return nil
}

func (s *Server) blockedCount() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recs, err := s.machine.List(ctx)
	if err != nil {
		return 0
	}
	return len(recs)
}

// Run starts every component and blocks until ctx is cancelled, a signal
// arrives or a component fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.ensureFirewallBase(ctx); err != nil {
		return err
	}
	n, err := s.machine.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate blocks: %w", err)
	}
	s.logger.Info("hidsward started",
		"firewall", s.effector.Name(),
		"alert_socket", s.cfg.Listener.SocketPath,
		"control_socket", s.cfg.Control.SocketPath,
		"blocks", n)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 6)
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	background("alert listener", func(ctx context.Context) error {
		return transport.Supervise(ctx, s.listener, s.restart, s.logger)
	})
	background("whitelist", s.syncer.Run)
	background("notify", s.notifier.Run)
	if s.policy != nil {
		background("auto-block", s.policy.Run)
	}

	// Event streams end with runCtx instead of holding Shutdown open.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return runCtx }
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Serve(s.grpcLn); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		runErr = s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		runErr = fmt.Errorf("server: %w", err)
	}
	cancel()
	wg.Wait()
	s.logger.Info("hidsward stopped")
	return runErr
}

func (s *Server) ensureFirewallBase(ctx context.Context) error {
	eff := s.effector
	if u, ok := eff.(interface{ Unwrap() firewall.Effector }); ok {
		eff = u.Unwrap()
	}
	base, ok := eff.(interface{ EnsureBase(context.Context) error })
	if !ok {
		return nil
	}
	if err := base.EnsureBase(ctx); err != nil {
		return fmt.Errorf("firewall setup: %w", err)
	}
	return nil
}

// Close releases sockets and storage. Stored blocks keep their expiry and
// are re-armed by the next Run.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.machine != nil {
			s.machine.Stop()
		}
		if s.httpLn != nil {
			_ = s.httpLn.Close()
			_ = os.Remove(s.cfg.Control.SocketPath)
		}
		if s.grpcLn != nil {
			_ = s.grpcLn.Close()
			_ = os.Remove(s.cfg.Control.GRPCSocketPath)
		}
		if s.incidents != nil {
			// Closes the sqlite primary too.
			errs = append(errs, s.incidents.Close())
		} else if s.db != nil {
			errs = append(errs, s.db.Close())
		}
		if s.logClose != nil {
			errs = append(errs, s.logClose())
		}
	})
	return errors.Join(errs...)
}

func listenUnix(path string, perm os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, perm); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}
