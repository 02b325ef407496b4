// Package transport accepts alert messages on a local unix socket. One
// connection carries one message; the peer closing its end marks the end of
// the message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/metrics"
	"github.com/hidsward/hidsward/pkg/types"
)

const (
	DefaultReadTimeout = 5 * time.Second
	DefaultMaxPayload  = 64 * 1024
)

// Handler consumes one complete message.
type Handler interface {
	HandleAlert(ctx context.Context, payload []byte, peer Peer) error
}

type HandlerFunc func(ctx context.Context, payload []byte, peer Peer) error

func (f HandlerFunc) HandleAlert(ctx context.Context, payload []byte, peer Peer) error {
	return f(ctx, payload, peer)
}

// Peer identifies the process on the other end of a connection when the
// platform can tell.
type Peer struct {
	PID   int32
	UID   uint32
	GID   uint32
	Known bool
}

// LogAttrs returns slog key/value pairs for the peer, or nothing when unknown.
func (p Peer) LogAttrs() []any {
	if !p.Known {
		return nil
	}
	return []any{"peer_pid", p.PID, "peer_uid", p.UID}
}

type Options struct {
	SocketPath  string
	Permissions os.FileMode
	ReadTimeout time.Duration
	MaxPayload  int64
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

type Listener struct {
	opts    Options
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	ready chan struct{}
	wg    sync.WaitGroup
}

func NewListener(opts Options, h Handler) *Listener {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Permissions == 0 {
		opts.Permissions = 0o666
	}
	return &Listener{
		opts:    opts,
		handler: h,
		logger:  logging.OrDiscard(opts.Logger),
		ready:   make(chan struct{}),
	}
}

// Ready is closed the first time the socket is listening.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

func (l *Listener) SocketPath() string { return l.opts.SocketPath }

// Serve creates the socket and accepts connections until ctx is done. Setup
// failures, and losing the socket while serving, return an error wrapping
// ErrTransportUnavailable. On return in-flight connections have finished and
// the socket file is gone.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := l.listen()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	select {
	case <-l.ready:
	default:
		close(l.ready)
	}
	l.mu.Unlock()
	l.logger.Info("alert listener started", "socket", l.opts.SocketPath)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()
	defer func() {
		close(stop)
		l.wg.Wait()
		l.cleanup()
	}()

	connCtx := context.WithoutCancel(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("alert listener stopping", "socket", l.opts.SocketPath)
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: listener closed: %v", types.ErrTransportUnavailable, err)
			}
			l.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		l.wg.Add(1)
		go l.handleConn(connCtx, conn)
	}
}

func (l *Listener) listen() (net.Listener, error) {
	path := l.opts.SocketPath
	if path == "" {
		return nil, fmt.Errorf("%w: no socket path", types.ErrTransportUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %v", types.ErrTransportUnavailable, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale socket: %v", types.ErrTransportUnavailable, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", types.ErrTransportUnavailable, err)
	}
	if err := os.Chmod(path, l.opts.Permissions); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: chmod: %v", types.ErrTransportUnavailable, err)
	}
	return ln, nil
}

func (l *Listener) cleanup() {
	l.mu.Lock()
	l.ln = nil
	l.mu.Unlock()
	if err := os.Remove(l.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("remove socket failed", "socket", l.opts.SocketPath, "error", err)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	peer := peerOf(conn)
	_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
	payload, err := io.ReadAll(io.LimitReader(conn, l.opts.MaxPayload+1))
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			l.opts.Metrics.IncAlertTimedOut()
			l.logger.Warn("alert connection timed out, message discarded",
				append(peer.LogAttrs(), "timeout", l.opts.ReadTimeout, "bytes", len(payload))...)
			return
		}
		l.logger.Warn("alert read failed", append(peer.LogAttrs(), "error", err)...)
		return
	}
	if int64(len(payload)) > l.opts.MaxPayload {
		l.opts.Metrics.IncAlertMalformed()
		l.logger.Warn("dropping malformed alert",
			append(peer.LogAttrs(), "error", fmt.Errorf("%w: payload exceeds %d bytes", types.ErrMalformedAlert, l.opts.MaxPayload))...)
		return
	}
	if len(payload) == 0 {
		l.logger.Debug("empty alert connection", peer.LogAttrs()...)
		return
	}
	// Handler errors are already logged where they happen.
	_ = l.handler.HandleAlert(ctx, payload, peer)
}
