package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/core"
)

// PoolConfig tunes per-endpoint connection management.
type PoolConfig struct {
	// MaxSockets caps connections per endpoint (idle and active).
	MaxSockets int
	// RequestTimeout bounds a single wire call when the caller's context
	// carries no deadline of its own.
	RequestTimeout time.Duration
	// IdleConnTimeout is how long an idle connection may live before the
	// cleanup sweep evicts it.
	IdleConnTimeout time.Duration
	// LeakTimeout marks a lease as leaked when it has not been released
	// after this long. Leaks indicate a missing release path and are
	// surfaced in metrics; the counter must trend to zero.
	LeakTimeout time.Duration
	// WarmupMethod is the lightweight call used to pre-establish
	// connections.
	WarmupMethod string
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxSockets < 1 {
		c.MaxSockets = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 60 * time.Second
	}
	if c.LeakTimeout <= 0 {
		c.LeakTimeout = 2 * time.Minute
	}
	if c.WarmupMethod == "" {
		c.WarmupMethod = "getHealth"
	}
	return c
}

// endpointClient owns the keep-alive HTTP client for one endpoint along
// with its reuse and lease accounting.
type endpointClient struct {
	url       string
	client    *http.Client
	transport *http.Transport

	created atomic.Int64
	reused  atomic.Int64
	cleaned atomic.Int64
	leaks   atomic.Int64

	mu      sync.Mutex
	leases  map[uint64]time.Time
	leaseID uint64
}

// Pool manages persistent connections to every configured endpoint and
// executes JSON-RPC calls over them. Acquire and release are paired on
// every exit path; an unbalanced pair shows up as a socket leak.
type Pool struct {
	cfg PoolConfig
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]*endpointClient
}

// NewPool creates an empty pool; clients are created lazily per endpoint
// URL, or eagerly via Warmup.
func NewPool(cfg PoolConfig, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		log:     log,
		clients: make(map[string]*endpointClient),
	}
}

func (p *Pool) clientFor(url string) *endpointClient {
	p.mu.RLock()
	c, ok := p.clients[url]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.clients[url]; ok {
		return c
	}

	transport := &http.Transport{
		MaxConnsPerHost:     p.cfg.MaxSockets,
		MaxIdleConnsPerHost: p.cfg.MaxSockets,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
	}
	c = &endpointClient{
		url:       url,
		transport: transport,
		client:    &http.Client{Transport: transport},
		leases:    make(map[uint64]time.Time),
	}
	p.clients[url] = c
	return c
}

func (c *endpointClient) acquire() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaseID++
	id := c.leaseID
	c.leases[id] = time.Now()
	return id
}

func (c *endpointClient) release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, id)
}

// traceContext wires connection-reuse observation into a single request.
func (c *endpointClient) traceContext(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				c.reused.Add(1)
			} else {
				c.created.Add(1)
			}
		},
	})
}

func (p *Pool) do(ctx context.Context, c *endpointClient, payload []byte) (*http.Response, error) {
	lease := c.acquire()
	defer c.release(lease)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}
	ctx = c.traceContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: retryAfter(resp),
		}
		drainAndClose(resp.Body)
		return nil, httpErr
	}
	return resp, nil
}

// Execute performs one JSON-RPC call against the endpoint URL. The caller
// is responsible for endpoint admission; Execute only moves bytes.
func (p *Pool) Execute(ctx context.Context, url, method string, params json.RawMessage) (json.RawMessage, error) {
	c := p.clientFor(url)

	payload, err := json.Marshal(newRPCRequest(method, params))
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}

	resp, err := p.do(ctx, c, payload)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)
	return decodeSingle(resp.Body)
}

// ExecuteBatch performs one wire call carrying every member and returns
// per-member results in submission order. A transport-level failure is
// returned as the single error and fails all members.
func (p *Pool) ExecuteBatch(ctx context.Context, url string, calls []Call) ([]CallResult, error) {
	c := p.clientFor(url)

	reqs := make([]rpcRequest, len(calls))
	for i := range calls {
		reqs[i] = newRPCRequest(calls[i].Method, calls[i].Params)
		calls[i].id = reqs[i].ID
	}
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode rpc batch: %w", err)
	}

	resp, err := p.do(ctx, c, payload)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)
	return decodeBatch(resp.Body, calls)
}

// Warmup pre-establishes connections to the given endpoints with a
// lightweight probe call so first real requests skip the TCP/TLS
// handshake. Probe failures are logged and otherwise ignored.
func (p *Pool) Warmup(ctx context.Context, urls []string) {
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if _, err := p.Execute(ctx, url, p.cfg.WarmupMethod, nil); err != nil {
				p.log.Debug("warmup probe failed",
					zap.String("endpoint", url),
					zap.Error(err))
			}
		}(url)
	}
	wg.Wait()
}

// CleanupIdle evicts idle connections on every endpoint and sweeps for
// leaked leases. Meant to run periodically from the owning process.
func (p *Pool) CleanupIdle() {
	now := time.Now()

	p.mu.RLock()
	clients := make([]*endpointClient, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	for _, c := range clients {
		c.transport.CloseIdleConnections()
		c.cleaned.Add(1)

		c.mu.Lock()
		for id, started := range c.leases {
			if now.Sub(started) > p.cfg.LeakTimeout {
				delete(c.leases, id)
				c.leaks.Add(1)
				p.log.Warn("socket lease leaked",
					zap.String("endpoint", c.url),
					zap.Duration("age", now.Sub(started)))
			}
		}
		c.mu.Unlock()
	}
}

// ReusePercentage reports pool-wide connection reuse.
func (p *Pool) ReusePercentage() float64 {
	m := p.Metrics()
	total := m.ConnectionsCreated + m.ConnectionsReused
	if total == 0 {
		return 0
	}
	return float64(m.ConnectionsReused) / float64(total) * 100
}

// Metrics aggregates connection counters across all endpoints.
func (p *Pool) Metrics() core.PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var m core.PoolMetrics
	for _, c := range p.clients {
		m.ConnectionsCreated += c.created.Load()
		m.ConnectionsReused += c.reused.Load()
		m.CleanedUp += c.cleaned.Load()
		m.SocketLeaks += c.leaks.Load()
		c.mu.Lock()
		m.ActiveLeases += int64(len(c.leases))
		c.mu.Unlock()
	}
	if total := m.ConnectionsCreated + m.ConnectionsReused; total > 0 {
		m.ReusePercentage = float64(m.ConnectionsReused) / float64(total) * 100
	}
	return m
}

// Close shuts every transport down, dropping all idle connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.transport.CloseIdleConnections()
	}
}
