package whitelist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a hostname into IPv4 addresses.
type Resolver interface {
	LookupA(ctx context.Context, host string) ([]string, error)
}

// DNSResolver queries A records directly with miekg/dns.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

const resolvConf = "/etc/resolv.conf"

// NewDNSResolver uses nameserver ("host" or "host:port") when set, otherwise
// the servers in /etc/resolv.conf, falling back to 1.1.1.1.
func NewDNSResolver(nameserver string) *DNSResolver {
	r := &DNSResolver{client: &dns.Client{Timeout: 3 * time.Second}}
	if nameserver != "" {
		if _, _, err := net.SplitHostPort(nameserver); err != nil {
			nameserver = net.JoinHostPort(nameserver, "53")
		}
		r.servers = []string{nameserver}
		return r
	}
	cfg, _ := dns.ClientConfigFromFile(resolvConf)
	if cfg == nil || len(cfg.Servers) == 0 {
		cfg = &dns.ClientConfig{Servers: []string{"1.1.1.1"}, Port: "53"}
	}
	for _, s := range cfg.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
	}
	return r
}

func (r *DNSResolver) LookupA(ctx context.Context, host string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", host, dns.RcodeToString[resp.Rcode])
			continue
		}
		var out []string
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				out = append(out, a.A.String())
			}
		}
		sort.Strings(out)
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers configured")
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}
