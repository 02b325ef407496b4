package notify

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/hidsward/hidsward/internal/config"
	"github.com/hidsward/hidsward/pkg/types"
)

// Filter decides which events reach the sinks. Empty lists match everything.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
	reasons []glob.Glob
}

func NewFilter(cfg config.FilterConfig) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.include, err = compileAll(cfg.IncludeTypes); err != nil {
		return nil, fmt.Errorf("include_types: %w", err)
	}
	if f.exclude, err = compileAll(cfg.ExcludeTypes); err != nil {
		return nil, fmt.Errorf("exclude_types: %w", err)
	}
	if f.reasons, err = compileAll(cfg.ReasonPatterns); err != nil {
		return nil, fmt.Errorf("reason_patterns: %w", err)
	}
	return f, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether ev should be delivered. Reason patterns apply only
// to events that carry a reason.
func (f *Filter) Match(ev types.Event) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !anyMatch(f.include, ev.Type) {
		return false
	}
	if anyMatch(f.exclude, ev.Type) {
		return false
	}
	if len(f.reasons) > 0 && ev.Reason != "" && !anyMatch(f.reasons, ev.Reason) {
		return false
	}
	return true
}

func anyMatch(gs []glob.Glob, s string) bool {
	for _, g := range gs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
