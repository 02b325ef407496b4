package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	alertsAccepted  atomic.Uint64
	alertsMalformed atomic.Uint64
	alertsTimedOut  atomic.Uint64

	incidentsTotal atomic.Uint64
	byReason       sync.Map // string -> *atomic.Uint64

	transitions sync.Map // string -> *atomic.Uint64

	enforcementFailures atomic.Uint64
	whitelistConflicts  atomic.Uint64
	staleExpiries       atomic.Uint64
	sinkErrors          sync.Map // string -> *atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncAlertAccepted() {
	if c == nil {
		return
	}
	c.alertsAccepted.Add(1)
}

func (c *Collector) IncAlertMalformed() {
	if c == nil {
		return
	}
	c.alertsMalformed.Add(1)
}

func (c *Collector) IncAlertTimedOut() {
	if c == nil {
		return
	}
	c.alertsTimedOut.Add(1)
}

func (c *Collector) IncIncident(reason string) {
	if c == nil {
		return
	}
	c.incidentsTotal.Add(1)
	if reason == "" {
		reason = "unknown"
	}
	inc(&c.byReason, reason)
}

// IncTransition counts a block-state transition by outcome
// (blocked, refreshed, unblocked, expired, ...).
func (c *Collector) IncTransition(kind string) {
	if c == nil {
		return
	}
	inc(&c.transitions, kind)
}

func (c *Collector) IncEnforcementFailure() {
	if c == nil {
		return
	}
	c.enforcementFailures.Add(1)
}

func (c *Collector) IncWhitelistConflict() {
	if c == nil {
		return
	}
	c.whitelistConflicts.Add(1)
}

func (c *Collector) IncStaleExpiry() {
	if c == nil {
		return
	}
	c.staleExpiries.Add(1)
}

func (c *Collector) IncSinkError(sink string) {
	if c == nil {
		return
	}
	inc(&c.sinkErrors, sink)
}

func inc(m *sync.Map, key string) {
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func load(m *sync.Map, key string) uint64 {
	ptr, ok := m.Load(key)
	if !ok {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

type HandlerOptions struct {
	BlockedCount    func() int
	PendingExpiries func() int
	DroppedEvents   func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP hidsward_up Whether the hidsward server is running.\n")
		fmt.Fprint(w, "# TYPE hidsward_up gauge\n")
		fmt.Fprint(w, "hidsward_up 1\n")
		fmt.Fprint(w, "# HELP hidsward_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE hidsward_uptime_seconds gauge\n")
		fmt.Fprintf(w, "hidsward_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		counter(w, "hidsward_alerts_accepted_total", "Alerts accepted by the listener.", c.alertsAccepted.Load())
		counter(w, "hidsward_alerts_malformed_total", "Alerts dropped as malformed.", c.alertsMalformed.Load())
		counter(w, "hidsward_alerts_timed_out_total", "Connections abandoned at the read deadline.", c.alertsTimedOut.Load())
		counter(w, "hidsward_incidents_total", "Incidents persisted.", c.incidentsTotal.Load())
		counter(w, "hidsward_enforcement_failures_total", "Firewall effector failures.", c.enforcementFailures.Load())
		counter(w, "hidsward_whitelist_conflicts_total", "Block requests rejected by the whitelist.", c.whitelistConflicts.Load())
		counter(w, "hidsward_stale_expiries_total", "Expiry firings that no longer matched the ledger.", c.staleExpiries.Load())

		labeled(w, "hidsward_incidents_by_reason_total", "Incidents persisted by reason.", "reason", &c.byReason)
		labeled(w, "hidsward_block_transitions_total", "Block-state transitions by outcome.", "outcome", &c.transitions)
		labeled(w, "hidsward_sink_errors_total", "Notifier sink failures.", "sink", &c.sinkErrors)

		if opts.DroppedEvents != nil {
			counter(w, "hidsward_events_dropped_total", "Events dropped for slow subscribers.", uint64(opts.DroppedEvents()))
		}
		if opts.BlockedCount != nil {
			fmt.Fprint(w, "# HELP hidsward_blocked_addresses Addresses currently blocked.\n")
			fmt.Fprint(w, "# TYPE hidsward_blocked_addresses gauge\n")
			fmt.Fprintf(w, "hidsward_blocked_addresses %d\n", opts.BlockedCount())
		}
		if opts.PendingExpiries != nil {
			fmt.Fprint(w, "# HELP hidsward_pending_expiries Armed expiry timers.\n")
			fmt.Fprint(w, "# TYPE hidsward_pending_expiries gauge\n")
			fmt.Fprintf(w, "hidsward_pending_expiries %d\n", opts.PendingExpiries())
		}
	})
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func labeled(w http.ResponseWriter, name, help, label string, m *sync.Map) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, escapeLabelValue(k), load(m, k))
	}
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
