// Package proxypool maintains a refreshable list of candidate outbound
// proxies scraped from public plaintext lists, health-checks and rotates
// through them, and hands callers a currently-usable proxy or none.
package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grabtune/grabtune/internal/telemetry"
)

// Config controls list refresh and candidate probing.
type Config struct {
	// SourceURLs are plaintext proxy lists, one host:port per line.
	SourceURLs []string
	// CheckURL is an IP-echo endpoint used for reachability probes.
	CheckURL string
	// ProbeTimeout bounds a single candidate probe.
	ProbeTimeout time.Duration
	// ProbeBudget bounds how many candidates one Get call may probe.
	ProbeBudget int
	// RefreshInterval drives the background refresher loop.
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckURL == "" {
		c.CheckURL = "http://api.ipify.org"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 8 * time.Second
	}
	if c.ProbeBudget <= 0 {
		c.ProbeBudget = 5
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Minute
	}
	return c
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	Candidates    int       `json:"candidates"`
	ActiveProxy   string    `json:"active_proxy,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed,omitempty"`
}

// Pool is safe for concurrent use. One mutex guards the candidate snapshot,
// the rotation cursor and the cached active proxy.
type Pool struct {
	cfg        Config
	logger     *zap.Logger
	listClient *http.Client

	mu          sync.Mutex
	candidates  []string
	cursor      int
	active      string
	lastRefresh time.Time
}

// New constructs a Pool. No refresh happens until Refresh or Start is called;
// until the first successful refresh Get always reports direct connection.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		listClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// Start runs the periodic refresher until the context finishes. An initial
// refresh happens immediately.
func (p *Pool) Start(ctx context.Context) {
	p.Refresh(ctx)
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh fetches all configured sources and swaps in the merged candidate
// list. It fails soft: when every source is unreachable the previous
// snapshot is kept rather than emptied.
func (p *Pool) Refresh(ctx context.Context) {
	merged := make([]string, 0, 256)
	seen := make(map[string]struct{})
	fetched := false

	for _, src := range p.cfg.SourceURLs {
		list, err := p.fetchList(ctx, src)
		if err != nil {
			p.logger.Warn("proxy list fetch failed", zap.String("source", src), zap.Error(err))
			continue
		}
		fetched = true
		for _, addr := range list {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			merged = append(merged, addr)
		}
	}

	if !fetched {
		p.logger.Warn("all proxy sources unreachable, keeping previous candidates")
		return
	}

	p.mu.Lock()
	p.candidates = merged
	p.cursor = 0
	p.active = ""
	p.lastRefresh = time.Now()
	p.mu.Unlock()

	telemetry.SetProxyCandidates(len(merged))
	p.logger.Info("proxy list refreshed", zap.Int("candidates", len(merged)))
}

func (p *Pool) fetchList(ctx context.Context, src string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	resp, err := p.listClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list returned status %d", resp.StatusCode)
	}

	var out []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		addr, ok := parseCandidate(scanner.Text())
		if !ok {
			continue
		}
		out = append(out, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan list: %w", err)
	}
	return out, nil
}

// parseCandidate extracts a validated host:port from one list line,
// tolerating trailing metadata fields after whitespace.
func parseCandidate(line string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", false
	}
	host, portStr, err := net.SplitHostPort(fields[0])
	if err != nil {
		return "", false
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", false
	}
	return fields[0], true
}

// Get returns a reachable proxy address, or "" when callers should proceed
// with a direct connection. Starting at the rotation cursor it probes up to
// ProbeBudget candidates; the first that answers the check endpoint is
// cached and returned, and the cursor advances past it.
func (p *Pool) Get(ctx context.Context) string {
	p.mu.Lock()
	if len(p.candidates) == 0 {
		p.mu.Unlock()
		return ""
	}
	probes := make([]string, 0, p.cfg.ProbeBudget)
	start := p.cursor
	for i := 0; i < p.cfg.ProbeBudget && i < len(p.candidates); i++ {
		probes = append(probes, p.candidates[(start+i)%len(p.candidates)])
	}
	p.mu.Unlock()

	for i, addr := range probes {
		if ctx.Err() != nil {
			return ""
		}
		if !p.probe(ctx, addr) {
			telemetry.ObserveProxyProbe("dead")
			continue
		}
		telemetry.ObserveProxyProbe("alive")
		p.mu.Lock()
		p.active = addr
		if len(p.candidates) > 0 {
			p.cursor = (start + i + 1) % len(p.candidates)
		}
		p.mu.Unlock()
		return addr
	}

	p.mu.Lock()
	p.active = ""
	if len(p.candidates) > 0 {
		p.cursor = (start + len(probes)) % len(p.candidates)
	}
	p.mu.Unlock()
	return ""
}

// probe issues a short GET through the candidate and accepts it only on a
// 200 with a non-trivial body. Public lists are mostly dead entries, so the
// timeout stays short to keep Get latency bounded.
func (p *Pool) probe(ctx context.Context, addr string) bool {
	proxyURL, err := url.Parse("http://" + addr)
	if err != nil {
		return false
	}
	client := &http.Client{
		Timeout: p.cfg.ProbeTimeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.CheckURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(body))) > 0
}

// Status reports the pool state for the health endpoint.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Candidates:    len(p.candidates),
		ActiveProxy:   p.active,
		LastRefreshed: p.lastRefresh,
	}
}
