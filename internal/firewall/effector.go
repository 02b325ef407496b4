// Package firewall applies and removes network-level blocks for single IPv4
// addresses. Every backend probes current state first so Apply and Remove are
// idempotent against a firewall that has no transactions.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hidsward/hidsward/internal/config"
	"github.com/hidsward/hidsward/pkg/types"
)

// RemoveOutcome tells a genuine removal apart from the two no-op cases.
type RemoveOutcome string

const (
	// Removed means at least one rule was deleted.
	Removed RemoveOutcome = "removed"
	// AlreadyAbsent means the probe found no rule, nothing was attempted.
	AlreadyAbsent RemoveOutcome = "already_absent"
	// NotFoundOnDelete means the probe saw a rule but the delete reported
	// it missing. Treated as success.
	NotFoundOnDelete RemoveOutcome = "not_found_on_delete"
)

type Effector interface {
	Name() string
	// Apply blocks address. It returns false when the rule was already present.
	Apply(ctx context.Context, address, comment string) (bool, error)
	Remove(ctx context.Context, address string) (RemoveOutcome, error)
	Present(ctx context.Context, address string) (bool, error)
}

// New builds the configured backend wrapped in the protected-address guard.
func New(cfg config.FirewallConfig, logger *slog.Logger) (Effector, error) {
	runner := &ExecRunner{Timeout: config.MustDuration(cfg.CommandTimeout), Sudo: cfg.UseSudo}
	var eff Effector
	switch cfg.Backend {
	case "iptables":
		eff = NewIptables(runner, cfg.IptablesPath, cfg.Chain, cfg.CommentPrefix)
	case "nft":
		nft := NewNft(runner, cfg.NftPath, cfg.NftTable, cfg.NftSet)
		eff = nft
	case "noop":
		eff = NewMemory()
	default:
		return nil, fmt.Errorf("unknown firewall backend %q", cfg.Backend)
	}
	if logger != nil {
		logger.Info("firewall backend selected", "backend", eff.Name())
	}
	return Guard(eff), nil
}

// Guard refuses to touch loopback or unspecified addresses, whatever the
// caller asks for.
func Guard(inner Effector) Effector { return guarded{inner: inner} }

type guarded struct{ inner Effector }

func (g guarded) Name() string { return g.inner.Name() }

func (g guarded) Apply(ctx context.Context, address, comment string) (bool, error) {
	if types.IsProtected(address) {
		return false, fmt.Errorf("%w: refusing to block %s", types.ErrProtectedAddress, address)
	}
	return g.inner.Apply(ctx, address, comment)
}

func (g guarded) Remove(ctx context.Context, address string) (RemoveOutcome, error) {
	return g.inner.Remove(ctx, address)
}

func (g guarded) Present(ctx context.Context, address string) (bool, error) {
	return g.inner.Present(ctx, address)
}

// Unwrap exposes the backend behind the guard, mainly for EnsureBase.
func (g guarded) Unwrap() Effector { return g.inner }

// sanitizeComment keeps rule comments printable and within iptables' limit.
func sanitizeComment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '"' || r == '\\':
			return '\''
		case r < 0x20 || r == 0x7f:
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
