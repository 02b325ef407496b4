package firewall

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// Iptables drops traffic from an address with one rule per address in a
// single chain. Rules carry a "<prefix>: <reason>" comment.
type Iptables struct {
	runner Runner
	path   string
	chain  string
	prefix string
}

func NewIptables(runner Runner, path, chain, prefix string) *Iptables {
	if path == "" {
		path = "iptables"
	}
	if chain == "" {
		chain = "INPUT"
	}
	return &Iptables{runner: runner, path: path, chain: chain, prefix: prefix}
}

func (t *Iptables) Name() string { return "iptables" }

func (t *Iptables) Present(ctx context.Context, address string) (bool, error) {
	rules, err := t.rulesFor(ctx, address)
	if err != nil {
		return false, err
	}
	return len(rules) > 0, nil
}

func (t *Iptables) Apply(ctx context.Context, address, comment string) (bool, error) {
	present, err := t.Present(ctx, address)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	args := []string{"-w", "-A", t.chain, "-s", address, "-j", "DROP"}
	if c := t.comment(comment); c != "" {
		args = append(args, "-m", "comment", "--comment", c)
	}
	if _, err := t.runner.Run(ctx, "", t.path, args...); err != nil {
		return false, fmt.Errorf("iptables add %s: %w", address, err)
	}
	return true, nil
}

// Remove deletes every DROP rule for address. A delete that reports the
// rule missing is success: something else removed it between probe and
// delete.
func (t *Iptables) Remove(ctx context.Context, address string) (RemoveOutcome, error) {
	rules, err := t.rulesFor(ctx, address)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return AlreadyAbsent, nil
	}
	outcome := NotFoundOnDelete
	for _, spec := range rules {
		args := append([]string{"-w", "-D", t.chain}, spec...)
		out, err := t.runner.Run(ctx, "", t.path, args...)
		if err != nil {
			if ruleMissing(out) {
				continue
			}
			return "", fmt.Errorf("iptables delete %s: %w", address, err)
		}
		outcome = Removed
	}
	return outcome, nil
}

func (t *Iptables) comment(reason string) string {
	reason = sanitizeComment(reason)
	switch {
	case t.prefix == "":
		return reason
	case reason == "":
		return t.prefix
	default:
		return t.prefix + ": " + reason
	}
}

// rulesFor lists the chain and returns the rule specs, without the leading
// "-A <chain>", that drop traffic from address.
func (t *Iptables) rulesFor(ctx context.Context, address string) ([][]string, error) {
	out, err := t.runner.Run(ctx, "", t.path, "-w", "-S", t.chain)
	if err != nil {
		return nil, fmt.Errorf("iptables list %s: %w", t.chain, err)
	}
	var specs [][]string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := splitRule(sc.Text())
		if len(fields) < 2 || fields[0] != "-A" || fields[1] != t.chain {
			continue
		}
		spec := fields[2:]
		if matchesSource(spec, address) {
			specs = append(specs, spec)
		}
	}
	return specs, sc.Err()
}

func matchesSource(spec []string, address string) bool {
	var src, target string
	for i := 0; i < len(spec)-1; i++ {
		switch spec[i] {
		case "-s", "--source":
			src = spec[i+1]
		case "-j", "--jump":
			target = spec[i+1]
		}
	}
	return target == "DROP" && (src == address || src == address+"/32")
}

func ruleMissing(out string) bool {
	o := strings.ToLower(out)
	return strings.Contains(o, "does a matching rule exist") ||
		strings.Contains(o, "bad rule") ||
		strings.Contains(o, "no chain/target/match")
}

// splitRule splits one line of `iptables -S` output, honoring the double
// quotes iptables puts around comments.
func splitRule(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote, escaped, have := false, false, false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
			have = true
		case (r == ' ' || r == '\t') && !inQuote:
			if have {
				fields = append(fields, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		fields = append(fields, cur.String())
	}
	return fields
}
