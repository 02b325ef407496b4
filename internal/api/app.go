package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hidsward/hidsward/internal/config"
	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/pkg/types"
)

// APIKeyHeader carries the control API key on HTTP requests and as gRPC
// metadata.
const APIKeyHeader = "X-API-Key"

const (
	defaultIncidentLimit = 50
	maxIncidentLimit     = 1000
	maxRequestBody       = 64 << 10
)

// Blocks is the block-state surface the control API drives.
type Blocks interface {
	RequestBlock(ctx context.Context, address, reason string, duration time.Duration) (types.TransitionResult, error)
	RequestUnblock(ctx context.Context, address string) (types.TransitionResult, error)
	Query(ctx context.Context, address string) (types.BlockStatus, error)
	List(ctx context.Context) ([]types.BlockRecord, error)
	AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error)
	RemoveWhitelist(ctx context.Context, address string) (bool, error)
	ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error)
}

type Options struct {
	Blocks    Blocks
	Incidents store.IncidentStore
	Broker    *events.Broker
	// Metrics is mounted at MetricsPath (default /metrics) when set.
	Metrics     http.Handler
	MetricsPath string
	// APIKey, when non-empty, is required on every request except /health.
	APIKey          string
	DefaultDuration time.Duration
	Logger          *slog.Logger
}

type App struct {
	blocks          Blocks
	incidents       store.IncidentStore
	broker          *events.Broker
	metrics         http.Handler
	metricsPath     string
	apiKey          string
	defaultDuration time.Duration
	logger          *slog.Logger
}

func NewApp(opts Options) *App {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &App{
		blocks:          opts.Blocks,
		incidents:       opts.Incidents,
		broker:          opts.Broker,
		metrics:         opts.Metrics,
		metricsPath:     opts.MetricsPath,
		apiKey:          opts.APIKey,
		defaultDuration: opts.DefaultDuration,
		logger:          logging.OrDiscard(opts.Logger),
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)
		if a.metrics != nil {
			r.Method(http.MethodGet, a.metricsPath, a.metrics)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/blocks", a.listBlocks)
			r.Get("/blocks/{address}", a.getBlock)
			r.Put("/blocks/{address}", a.putBlock)
			r.Delete("/blocks/{address}", a.deleteBlock)

			r.Get("/incidents", a.listIncidents)
			r.Get("/incidents/stats", a.incidentStats)
			r.Get("/incidents/{address}", a.addressIncidents)

			r.Get("/whitelist", a.listWhitelist)
			r.Put("/whitelist/{address}", a.putWhitelist)
			r.Delete("/whitelist/{address}", a.deleteWhitelist)

			r.Get("/events", a.streamEvents)
			r.Get("/events/ws", a.streamEventsWS)
		})
	})
	return r
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if a.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.keyAllowed(r.Header.Get(APIKeyHeader)) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) keyAllowed(key string) bool {
	if a.apiKey == "" {
		return true
	}
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1
}

func (a *App) listBlocks(w http.ResponseWriter, r *http.Request) {
	recs, err := a.blocks.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []types.BlockRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) getBlock(w http.ResponseWriter, r *http.Request) {
	st, err := a.blocks.Query(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) putBlock(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req types.BlockRequest
	if !decodeJSON(w, r, &req, "invalid block request") {
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "reason is required"})
		return
	}
	d, err := a.blockDuration(req.Duration)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	res, err := a.blocks.RequestBlock(r.Context(), chi.URLParam(r, "address"), req.Reason, d)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// blockDuration resolves a requested duration: empty means the configured
// default, "permanent" or "0" means no expiry.
func (a *App) blockDuration(s string) (time.Duration, error) {
	return ParseBlockDuration(s, a.defaultDuration)
}

func ParseBlockDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return def, nil
	case "permanent":
		return 0, nil
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return 0, errors.New("invalid duration " + strconv.Quote(s))
	}
	return d, nil
}

func (a *App) deleteBlock(w http.ResponseWriter, r *http.Request) {
	res, err := a.blocks.RequestUnblock(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) listIncidents(w http.ResponseWriter, r *http.Request) {
	q, ok := incidentQuery(w, r)
	if !ok {
		return
	}
	a.writeIncidents(w, r, q)
}

func (a *App) addressIncidents(w http.ResponseWriter, r *http.Request) {
	q, ok := incidentQuery(w, r)
	if !ok {
		return
	}
	q.Address = chi.URLParam(r, "address")
	if err := types.ValidateIPv4(q.Address); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeIncidents(w, r, q)
}

func (a *App) writeIncidents(w http.ResponseWriter, r *http.Request, q types.IncidentQuery) {
	incs, err := a.incidents.QueryIncidents(r.Context(), q)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if incs == nil {
		incs = []types.Incident{}
	}
	writeJSON(w, http.StatusOK, incs)
}

func incidentQuery(w http.ResponseWriter, r *http.Request) (types.IncidentQuery, bool) {
	q := types.IncidentQuery{Limit: defaultIncidentLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return q, false
		}
		q.Limit = min(n, maxIncidentLimit)
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid since (want RFC3339)"})
			return q, false
		}
		q.Since = t.UTC()
	}
	return q, true
}

func (a *App) incidentStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.incidents.IncidentStats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) listWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.blocks.ListWhitelist(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []types.WhitelistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) putWhitelist(w http.ResponseWriter, r *http.Request) {
	var req types.WhitelistRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if !decodeJSON(w, r, &req, "invalid whitelist request") {
			return
		}
	}
	res, err := a.blocks.AddWhitelist(r.Context(), chi.URLParam(r, "address"), strings.TrimSpace(req.Note))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) deleteWhitelist(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	removed, err := a.blocks.RemoveWhitelist(r.Context(), address)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "removed": removed, "changed": removed})
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrWhitelistConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrEnforcementFailed):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrInvalidAddress), errors.Is(err, types.ErrProtectedAddress):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("control request failed", "error", err)
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
