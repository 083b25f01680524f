package proxymon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver defaults.
const (
	DefaultDNSCacheTTL        = 10 * time.Minute
	DefaultDNSRefreshInterval = 5 * time.Minute
	DefaultDNSTimeout         = 800 * time.Millisecond

	minResolveInterval = time.Minute
)

var errNoDNSResult = errors.New("no dns result")

// ResolverConfig selects the resolvers raced when looking up the remote
// write host.
type ResolverConfig struct {
	Enable          bool
	CacheTTL        time.Duration
	RefreshInterval time.Duration
	Timeout         time.Duration
	UDPServers      []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	TLSServers      []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DoHEndpoints    []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	c.CacheTTL = pickDuration(c.CacheTTL, DefaultDNSCacheTTL)
	c.RefreshInterval = pickDuration(c.RefreshInterval, DefaultDNSRefreshInterval)
	c.Timeout = pickDuration(c.Timeout, DefaultDNSTimeout)
	c.UDPServers = slices.Clone(c.UDPServers)
	c.TLSServers = slices.Clone(c.TLSServers)
	c.DoHEndpoints = slices.Clone(c.DoHEndpoints)
	return c
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Resolver tracks the address set of one host so the exporter can notice
// when its remote write endpoint moves.
type Resolver struct {
	host   string
	cfg    ResolverConfig
	logger *zap.Logger

	mu          sync.Mutex
	resolved    []string
	lastResolve time.Time
	cached      []string
	cacheExpiry time.Time
}

// NewResolver creates a resolver for host. An empty host disables refreshes.
func NewResolver(host string, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{host: host, cfg: cfg.withDefaults(), logger: logger}
}

// Host returns the tracked host name.
func (r *Resolver) Host() string { return r.host }

// Enabled reports whether periodic refreshes make sense: custom resolvers are
// enabled and the host is a name rather than an address.
func (r *Resolver) Enabled() bool {
	return r.cfg.Enable && r.host != "" && net.ParseIP(r.host) == nil
}

// RefreshInterval returns the period between background refreshes.
func (r *Resolver) RefreshInterval() time.Duration { return r.cfg.RefreshInterval }

// Refresh resolves the host and reports whether callers should reconnect.
// Non-forced refreshes are throttled and served from the cache while it is
// fresh.
func (r *Resolver) Refresh(ctx context.Context, force bool) ([]string, bool) {
	if r.host == "" || net.ParseIP(r.host) != nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !force && now.Sub(r.lastResolve) < minResolveInterval {
		return r.resolved, false
	}

	if !force && r.cached != nil && now.Before(r.cacheExpiry) {
		r.lastResolve = now
		if slices.Equal(r.cached, r.resolved) {
			return r.resolved, false
		}
		r.resolved = r.cached
		r.logger.Info("DNS cache hit", zap.String("host", r.host), zap.Strings("ips", r.cached))
		return r.resolved, true
	}

	var (
		ips []string
		err error
	)
	if r.cfg.Enable {
		ips, err = r.Lookup(ctx, r.host)
	} else {
		ips, err = systemLookup(ctx, r.host)
	}
	r.lastResolve = now
	if err != nil || len(ips) == 0 {
		r.logger.Warn("DNS lookup failed", zap.String("host", r.host), zap.Error(err))
		return r.resolved, false
	}

	changed := !slices.Equal(ips, r.resolved)
	r.resolved = ips
	if r.cfg.Enable {
		r.cached = ips
		r.cacheExpiry = now.Add(r.cfg.CacheTTL)
	}
	return ips, changed || force
}

// Lookup queries every configured resolver and the system resolver
// concurrently and returns the first non-empty answer, sorted.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}

	var lookups []func(context.Context) ([]string, error)
	for _, srv := range r.cfg.UDPServers {
		srv := srv
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "udp", host, srv, r.cfg.Timeout)
		})
	}
	for _, srv := range r.cfg.TLSServers {
		srv := srv
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "tcp-tls", host, srv, r.cfg.Timeout)
		})
	}
	for _, ep := range r.cfg.DoHEndpoints {
		ep := ep
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return resolveDoH(ctx, host, ep)
		})
	}
	lookups = append(lookups, func(ctx context.Context) ([]string, error) {
		return systemLookup(ctx, host)
	})

	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		lookup := lookup
		go func() {
			ips, err := lookup(ctx)
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range lookups {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				sort.Strings(res.ips)
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = errNoDNSResult
	}
	return nil, firstErr
}

func systemLookup(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	sort.Strings(ips)
	return ips, nil
}

func exchange(ctx context.Context, network, host, server string, timeout time.Duration) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: timeout}
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns failed: %w", network, err)
	}
	return answerIPs(resp)
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var msg dns.Msg
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	return answerIPs(&msg)
}

func answerIPs(msg *dns.Msg) ([]string, error) {
	if msg == nil {
		return nil, errNoDNSResult
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode: %s", dns.RcodeToString[msg.Rcode])
	}
	ips := make([]string, 0, len(msg.Answer))
	for _, ans := range msg.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
