package firewall

import (
	"context"
	"fmt"
	"strings"
)

// Nft keeps blocked addresses as elements of an ipv4_addr set in a
// dedicated inet table, dropped by a single input-chain rule.
type Nft struct {
	runner Runner
	path   string
	table  string
	set    string
}

const nftFamily = "inet"

func NewNft(runner Runner, path, table, set string) *Nft {
	if path == "" {
		path = "nft"
	}
	return &Nft{runner: runner, path: path, table: table, set: set}
}

func (n *Nft) Name() string { return "nft" }

// EnsureBase creates the table, chain, set and drop rule when missing.
func (n *Nft) EnsureBase(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("add table %s %s", nftFamily, n.table),
		fmt.Sprintf("add chain %s %s input { type filter hook input priority filter; policy accept; }", nftFamily, n.table),
		fmt.Sprintf("add set %s %s %s { type ipv4_addr; }", nftFamily, n.table, n.set),
	}
	for _, st := range stmts {
		if _, err := n.script(ctx, st); err != nil {
			return fmt.Errorf("nft ensure base: %w", err)
		}
	}
	rule := fmt.Sprintf("ip saddr @%s drop", n.set)
	out, err := n.runner.Run(ctx, "", n.path, "list", "chain", nftFamily, n.table, "input")
	if err != nil {
		return fmt.Errorf("nft list chain: %w", err)
	}
	if strings.Contains(out, rule) {
		return nil
	}
	if _, err := n.script(ctx, fmt.Sprintf("add rule %s %s input %s", nftFamily, n.table, rule)); err != nil {
		return fmt.Errorf("nft add drop rule: %w", err)
	}
	return nil
}

func (n *Nft) Present(ctx context.Context, address string) (bool, error) {
	out, err := n.runner.Run(ctx, "", n.path, "get", "element", nftFamily, n.table, n.set, "{", address, "}")
	if err == nil {
		return true, nil
	}
	if elementMissing(out) {
		return false, nil
	}
	return false, fmt.Errorf("nft get element %s: %w", address, err)
}

func (n *Nft) Apply(ctx context.Context, address, _ string) (bool, error) {
	present, err := n.Present(ctx, address)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	if _, err := n.runner.Run(ctx, "", n.path, "add", "element", nftFamily, n.table, n.set, "{", address, "}"); err != nil {
		return false, fmt.Errorf("nft add element %s: %w", address, err)
	}
	return true, nil
}

func (n *Nft) Remove(ctx context.Context, address string) (RemoveOutcome, error) {
	present, err := n.Present(ctx, address)
	if err != nil {
		return "", err
	}
	if !present {
		return AlreadyAbsent, nil
	}
	out, err := n.runner.Run(ctx, "", n.path, "delete", "element", nftFamily, n.table, n.set, "{", address, "}")
	if err != nil {
		if elementMissing(out) {
			return NotFoundOnDelete, nil
		}
		return "", fmt.Errorf("nft delete element %s: %w", address, err)
	}
	return Removed, nil
}

func (n *Nft) script(ctx context.Context, stmt string) (string, error) {
	stmt = strings.TrimSpace(stmt)
	if !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	return n.runner.Run(ctx, stmt+"\n", n.path, "-f", "-")
}

func elementMissing(out string) bool {
	o := strings.ToLower(out)
	return strings.Contains(o, "no such file or directory") ||
		strings.Contains(o, "could not delete element") ||
		strings.Contains(o, "could not process rule")
}
