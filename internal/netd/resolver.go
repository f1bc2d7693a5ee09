package netd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/errors"
)

const (
	defaultDNSTimeout = 5 * time.Second
	minCacheTTL       = time.Second
	maxCacheTTL       = 10 * time.Minute
)

// Exchanger sends one DNS message. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Resolver keeps the resolver configuration and answer cache of every network.
type Resolver struct {
	mu      sync.Mutex
	configs map[int32]ResolverConfig
	caches  map[int32]map[string]cacheEntry
	client  Exchanger
	clock   clock.Clock
}

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// NewResolver creates a resolver. A nil client uses a UDP dns.Client.
func NewResolver(client Exchanger, clk clock.Clock) *Resolver {
	if client == nil {
		client = &dns.Client{Net: "udp"}
	}
	return &Resolver{
		configs: make(map[int32]ResolverConfig),
		caches:  make(map[int32]map[string]cacheEntry),
		client:  client,
		clock:   clock.OrReal(clk),
	}
}

// SetConfig replaces the configuration of netID and drops its cached answers.
func (r *Resolver) SetConfig(netID int32, cfg ResolverConfig) error {
	for _, s := range cfg.Servers {
		if _, err := serverAddr(s); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[netID] = cfg
	if c, ok := r.caches[netID]; ok {
		clear(c)
	}
	return nil
}

// Config returns the configuration of netID.
func (r *Resolver) Config(netID int32) (ResolverConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[netID]
	if !ok {
		return ResolverConfig{}, fmt.Errorf("resolver config for net %d: %w", netID, errors.ErrNetworkNotFound)
	}
	return cfg, nil
}

// CreateCache enables answer caching for netID. Creating twice is a no-op.
func (r *Resolver) CreateCache(netID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caches[netID]; !ok {
		r.caches[netID] = make(map[string]cacheEntry)
	}
}

// FlushCache drops every cached answer of netID.
func (r *Resolver) FlushCache(netID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[netID]; ok {
		clear(c)
	}
}

// DestroyCache removes the cache and configuration of netID. Safe to repeat.
func (r *Resolver) DestroyCache(netID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, netID)
	delete(r.configs, netID)
}

// Resolve returns the A and AAAA addresses of host using the servers of netID.
func (r *Resolver) Resolve(ctx context.Context, netID int32, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if host == "" {
		return nil, errors.Wrap(errors.ErrInvalidParameter, errors.KindValidation, "empty host")
	}

	cfg, err := r.Config(netID)
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.Errorf(errors.KindUnavailable, "net %d has no dns servers", netID)
	}

	key := strings.ToLower(dns.Fqdn(host))
	if addrs, ok := r.cached(netID, key); ok {
		return addrs, nil
	}

	var lastErr error
	for _, name := range candidates(host, cfg.Domains) {
		addrs, ttl, err := r.lookup(ctx, cfg, name)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			r.store(netID, key, addrs, ttl)
			return addrs, nil
		}
	}
	if lastErr != nil {
		return nil, errors.Wrapf(lastErr, errors.KindUnavailable, "resolve %s", host)
	}
	return nil, errors.Errorf(errors.KindNotFound, "no addresses for %s", host)
}

func (r *Resolver) cached(netID int32, key string) ([]netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[netID]
	if !ok {
		return nil, false
	}
	e, ok := c[key]
	if !ok {
		return nil, false
	}
	if !r.clock.Now().Before(e.expires) {
		delete(c, key)
		return nil, false
	}
	return append([]netip.Addr(nil), e.addrs...), true
}

func (r *Resolver) store(netID int32, key string, addrs []netip.Addr, ttl time.Duration) {
	ttl = min(max(ttl, minCacheTTL), maxCacheTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[netID]; ok {
		c[key] = cacheEntry{addrs: append([]netip.Addr(nil), addrs...), expires: r.clock.Now().Add(ttl)}
	}
}

// lookup queries A then AAAA for name against every server in order.
func (r *Resolver) lookup(ctx context.Context, cfg ResolverConfig, name string) ([]netip.Addr, time.Duration, error) {
	timeout := cfg.BaseTimeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	attempts := 1 + max(cfg.RetryCount, 0)

	var addrs []netip.Addr
	ttl := maxCacheTTL
	var lastErr error
	answered := false

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true

		resp, err := r.exchange(ctx, cfg.Servers, m, timeout, attempts)
		if err != nil {
			lastErr = err
			continue
		}
		answered = true
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
					addrs = append(addrs, a)
				}
			default:
				continue
			}
			ttl = min(ttl, time.Duration(rr.Header().Ttl)*time.Second)
		}
	}

	if !answered {
		return nil, 0, lastErr
	}
	return addrs, ttl, nil
}

func (r *Resolver) exchange(ctx context.Context, servers []string, m *dns.Msg, timeout time.Duration, attempts int) (*dns.Msg, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		for _, s := range servers {
			addr, _ := serverAddr(s)
			qctx, cancel := context.WithTimeout(ctx, timeout)
			resp, _, err := r.client.ExchangeContext(qctx, m, addr)
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
				lastErr = fmt.Errorf("%s answered %s", addr, dns.RcodeToString[resp.Rcode])
				continue
			}
			return resp, nil
		}
	}
	return nil, lastErr
}

// candidates expands a single-label host with the search domains.
func candidates(host string, domains []string) []string {
	host = strings.TrimSuffix(host, ".")
	if strings.Contains(host, ".") || len(domains) == 0 {
		return []string{host}
	}
	out := make([]string, 0, len(domains)+1)
	for _, d := range domains {
		out = append(out, host+"."+strings.Trim(d, "."))
	}
	return append(out, host)
}

func serverAddr(s string) (string, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.String(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", errors.Attr(errors.Errorf(errors.KindValidation, "invalid dns server %q", s), "server", s)
	}
	return net.JoinHostPort(a.String(), "53"), nil
}
