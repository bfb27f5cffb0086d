package executor

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/robfig/cron/v3"
)

const (
	DefaultIdleThreshold = time.Hour
	DefaultSweepSchedule = "@every 5m"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// IdleThreshold is how long a host may go unused before Sweep drops it.
	IdleThreshold time.Duration
	// SweepSchedule is a cron spec; empty uses DefaultSweepSchedule.
	SweepSchedule string
	Transport     TransportConfig
	ProxyURL      string

	now func() time.Time
}

type pooledConn struct {
	host      string
	client    *http.Client
	transport *http.Transport
	lastUsed  atomic.Int64
}

func (c *pooledConn) close() {
	c.transport.CloseIdleConnections()
}

// Pool hands out one long-lived HTTP client per upstream host. Acquire never
// does network I/O; connections are opened lazily by the transport.
type Pool struct {
	mu        sync.RWMutex
	conns     map[string]*pooledConn
	threshold time.Duration
	schedule  string
	transport TransportConfig
	proxyURL  string
	now       func() time.Time
	created   atomic.Int64

	cronMu  sync.Mutex
	sweeper *cron.Cron
}

// NewPool builds an empty pool. The idle sweep starts with Start.
func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		conns:     make(map[string]*pooledConn),
		threshold: opts.IdleThreshold,
		schedule:  strings.TrimSpace(opts.SweepSchedule),
		transport: opts.Transport.withDefaults(),
		proxyURL:  strings.TrimSpace(opts.ProxyURL),
		now:       opts.now,
	}
	if p.threshold <= 0 {
		p.threshold = DefaultIdleThreshold
	}
	if p.schedule == "" {
		p.schedule = DefaultSweepSchedule
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func hostKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &provider.Error{Kind: provider.KindConnectionPool, Message: "malformed url", Err: err}
	}
	if u.Host == "" {
		return "", &provider.Error{Kind: provider.KindConnectionPool, Message: fmt.Sprintf("url %q has no host", rawURL)}
	}
	return strings.ToLower(u.Host), nil
}

// Acquire returns the client for rawURL's host, creating it on first use.
// Concurrent first calls for one host create exactly one client.
func (p *Pool) Acquire(rawURL string) (*http.Client, error) {
	host, err := hostKey(rawURL)
	if err != nil {
		return nil, err
	}
	now := p.now().UnixNano()

	p.mu.RLock()
	conn := p.conns[host]
	if conn != nil {
		conn.lastUsed.Store(now)
	}
	p.mu.RUnlock()
	if conn != nil {
		return conn.client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn = p.conns[host]; conn != nil {
		conn.lastUsed.Store(now)
		return conn.client, nil
	}
	t := p.transport.buildTransport(p.proxyURL)
	conn = &pooledConn{
		host:      host,
		client:    &http.Client{Transport: t},
		transport: t,
	}
	conn.lastUsed.Store(now)
	p.conns[host] = conn
	p.created.Add(1)
	log.Debugf("connection pool: new client for %s", host)
	return conn.client, nil
}

// ReleaseHost drops the client for host and closes its idle connections.
// Unknown hosts are ignored.
func (p *Pool) ReleaseHost(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	p.mu.Lock()
	conn := p.conns[host]
	delete(p.conns, host)
	p.mu.Unlock()
	if conn != nil {
		closeConn(conn)
	}
}

// Sweep removes every client idle for longer than the threshold and returns
// how many were removed.
func (p *Pool) Sweep() int {
	cutoff := p.now().Add(-p.threshold).UnixNano()

	var stale []*pooledConn
	p.mu.Lock()
	for host, conn := range p.conns {
		if conn.lastUsed.Load() < cutoff {
			stale = append(stale, conn)
			delete(p.conns, host)
		}
	}
	p.mu.Unlock()

	for _, conn := range stale {
		closeConn(conn)
	}
	if len(stale) > 0 {
		log.Debugf("connection pool: swept %d idle host(s)", len(stale))
	}
	return len(stale)
}

func closeConn(conn *pooledConn) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("connection pool: closing %s: %v", conn.host, r)
		}
	}()
	conn.close()
}

// Start schedules the idle sweep. Calling Start twice is a no-op.
func (p *Pool) Start() error {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()
	if p.sweeper != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() { p.Sweep() }); err != nil {
		return fmt.Errorf("connection pool: invalid sweep schedule %q: %w", p.schedule, err)
	}
	c.Start()
	p.sweeper = c
	log.Debugf("connection pool: sweeping %s, idle threshold %s", p.schedule, p.threshold)
	return nil
}

// Stop halts the sweep and closes every client.
func (p *Pool) Stop() {
	p.cronMu.Lock()
	if p.sweeper != nil {
		<-p.sweeper.Stop().Done()
		p.sweeper = nil
	}
	p.cronMu.Unlock()

	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, conn := range conns {
		closeConn(conn)
	}
}

// Len is the number of pooled hosts.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Created is the number of clients built since the pool was made.
func (p *Pool) Created() int64 {
	return p.created.Load()
}

// Hosts lists pooled hosts with their last use, for the admin endpoint.
func (p *Pool) Hosts() map[string]time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]time.Time, len(p.conns))
	for host, conn := range p.conns {
		out[host] = time.Unix(0, conn.lastUsed.Load())
	}
	return out
}
