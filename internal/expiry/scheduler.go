// Package expiry arms one timer per temporarily blocked address.
package expiry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/pkg/types"
)

// FireFunc is called when an address's block expires. expiresAt is the value
// the timer was armed with, so the receiver can tell a stale firing apart.
type FireFunc func(address string, expiresAt time.Time)

// Pending describes one armed timer.
type Pending struct {
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

type entry struct {
	timer     *time.Timer
	expiresAt time.Time
	gen       uint64
}

type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*entry
	gen     uint64
	stopped bool
	running sync.WaitGroup

	fire   FireFunc
	now    func() time.Time
	logger *slog.Logger
}

func New(fire FireFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*entry),
		fire:   fire,
		now:    time.Now,
		logger: logging.OrDiscard(logger),
	}
}

// SetFire replaces the callback. Only valid before the first Schedule.
func (s *Scheduler) SetFire(fire FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
}

// Schedule arms a timer for address, replacing any existing one. A past
// expiresAt fires on the next tick.
func (s *Scheduler) Schedule(address string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(address, expiresAt, expiresAt.Sub(s.now()))
}

// Retry re-arms an expiry whose handling failed, after delay. It does nothing
// when a timer is already armed for address, so a newer Schedule wins.
func (s *Scheduler) Retry(address string, expiresAt time.Time, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[address]; ok {
		return false
	}
	return s.armLocked(address, expiresAt, delay)
}

func (s *Scheduler) armLocked(address string, expiresAt time.Time, delay time.Duration) bool {
	if s.stopped {
		return false
	}
	if old, ok := s.timers[address]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	if delay < 0 {
		delay = 0
	}
	e := &entry{expiresAt: expiresAt, gen: gen}
	e.timer = time.AfterFunc(delay, func() { s.fired(address, gen) })
	s.timers[address] = e
	s.logger.Debug("expiry armed", "address", address, "expires_at", expiresAt, "in", delay)
	return true
}

func (s *Scheduler) fired(address string, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[address]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, address)
	fire := s.fire
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	if fire != nil {
		fire(address, e.expiresAt)
	}
}

// Cancel stops the timer for address. It reports whether a timer was armed;
// cancelling after the timer fired is a no-op.
func (s *Scheduler) Cancel(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[address]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, address)
	return true
}

// Rehydrate arms every record with a finite expiry and returns how many were
// armed. Records already past due fire immediately, once each.
func (s *Scheduler) Rehydrate(records []types.BlockRecord) int {
	n := 0
	for _, rec := range records {
		if rec.ExpiresAt == nil {
			continue
		}
		s.Schedule(rec.Address, *rec.ExpiresAt)
		n++
	}
	return n
}

// Stop cancels every timer and waits for callbacks already running. Nothing
// can be scheduled afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for addr, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, addr)
	}
	s.mu.Unlock()
	s.running.Wait()
}

// Pending lists armed timers ordered by expiry.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.timers))
	for addr, e := range s.timers {
		out = append(out, Pending{Address: addr, ExpiresAt: e.expiresAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}
