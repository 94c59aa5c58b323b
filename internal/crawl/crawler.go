// Package crawl implements the site crawler on top of Colly. One Crawl
// call walks a single domain within its page budget, verifies a bounded
// sample of external links, and persists the resulting snapshot artifact.
package crawl

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/snapshot"
)

// Config tunes crawler behavior.
type Config struct {
	UserAgent      string
	Parallelism    int
	Delay          time.Duration
	MaxDepth       int
	RequestTimeout time.Duration
	// ExternalTimeout bounds each external link probe.
	ExternalTimeout time.Duration
}

const (
	defaultUserAgent       = "siteaudit/1.0"
	defaultParallelism     = 4
	defaultRequestTimeout  = 15 * time.Second
	defaultExternalTimeout = 10 * time.Second
)

// Crawler walks one site per Crawl call and writes a snapshot when done.
type Crawler struct {
	cfg    Config
	writer *snapshot.Writer
	client *http.Client
	clock  audit.Clock
	logger *zap.Logger
}

// New constructs a Crawler. logger may be nil.
func New(cfg Config, writer *snapshot.Writer, clock audit.Clock, logger *zap.Logger) *Crawler {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = defaultExternalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:    cfg,
		writer: writer,
		client: &http.Client{Timeout: cfg.ExternalTimeout},
		clock:  clock,
		logger: logger,
	}
}

// Cleanup releases per-run resources. The Colly collector is scoped to a
// single Crawl call, so repeated calls are harmless.
func (c *Crawler) Cleanup() {
	c.client.CloseIdleConnections()
}

// Crawl walks req.TargetURL's domain, emitting progress at page
// boundaries, then probes external links and writes the snapshot. signals
// must not be closed by the caller before Crawl returns.
func (c *Crawler) Crawl(ctx context.Context, req audit.CrawlRequest, signals chan<- audit.ProgressSignal) error {
	run := &crawlRun{
		req:     req,
		clock:   c.clock,
		logger:  c.logger.With(zap.String("domain", req.Domain)),
		signals: signals,
		state: &audit.CrawlState{
			Domain:   req.Domain,
			Visited:  make(map[string]struct{}),
			Frontier: make(map[string]struct{}),
			Stats:    make(map[string]audit.PageStats),
			Broken:   make(map[string]audit.BrokenRequest),
			External: make(map[string][]string),
			Mailto:   make(map[string][]string),
			Tel:      make(map[string][]string),
		},
	}

	run.emit(audit.ProgressSignal{
		Phase:   audit.PhaseStarting,
		Message: "starting crawl of " + req.Domain,
	})

	if err := c.walkSite(ctx, run); err != nil {
		return err
	}
	if err := c.checkExternalLinks(ctx, run); err != nil {
		return err
	}

	run.emit(audit.ProgressSignal{
		Phase:     audit.PhaseFinalizing,
		Message:   "writing crawl snapshot",
		PageCount: run.pageCount(),
	})
	run.state.CrawledAt = c.clock.Now().UTC()
	dir, err := c.writer.Write(run.state)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	run.logger.Info("crawl snapshot written",
		zap.String("dir", dir),
		zap.Int("pages", run.pageCount()),
	)
	run.emit(audit.ProgressSignal{
		Phase:     audit.PhaseDone,
		Fraction:  1,
		Message:   "crawl complete",
		PageCount: run.pageCount(),
	})
	return ctx.Err()
}

// crawlRun holds the mutable state of one Crawl call. Colly invokes
// callbacks from its worker goroutines, so everything goes through mu.
type crawlRun struct {
	req     audit.CrawlRequest
	clock   audit.Clock
	logger  *zap.Logger
	signals chan<- audit.ProgressSignal

	mu    sync.Mutex
	state *audit.CrawlState
}

func (r *crawlRun) emit(sig audit.ProgressSignal) {
	if sig.TotalPages == 0 {
		sig.TotalPages = r.req.PageBudget
	}
	select {
	case r.signals <- sig:
	default:
		// A slow consumer loses intermediate signals, never the crawl.
	}
}

func (r *crawlRun) pageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.Stats)
}

func (c *Crawler) walkSite(ctx context.Context, run *crawlRun) error {
	collector := colly.NewCollector(
		colly.AllowedDomains(run.req.Domain, "www."+run.req.Domain),
		colly.MaxDepth(c.cfg.MaxDepth),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
	)
	collector.AllowURLRevisit = false
	collector.SetRequestTimeout(c.cfg.RequestTimeout)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
		Delay:       c.cfg.Delay,
	}); err != nil {
		return fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		run.mu.Lock()
		budgetSpent := len(run.state.Visited) >= run.req.PageBudget
		if !budgetSpent {
			run.state.Visited[r.URL.String()] = struct{}{}
			delete(run.state.Frontier, r.URL.String())
		}
		run.mu.Unlock()
		if budgetSpent {
			r.Abort()
			return
		}
		r.Ctx.Put("started_at", c.clock.Now())
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		run.recordLink(e)
	})

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		run.mu.Lock()
		page := run.state.Stats[e.Request.URL.String()]
		page.Title = strings.TrimSpace(e.Text)
		run.state.Stats[e.Request.URL.String()] = page
		run.mu.Unlock()
	})

	collector.OnResponse(func(resp *colly.Response) {
		url := resp.Request.URL.String()
		var elapsed time.Duration
		if started, ok := resp.Ctx.GetAny("started_at").(time.Time); ok {
			elapsed = c.clock.Now().Sub(started)
		}
		run.mu.Lock()
		page := run.state.Stats[url]
		page.URL = url
		page.StatusCode = resp.StatusCode
		page.DurationMs = elapsed.Milliseconds()
		run.state.Stats[url] = page
		count := len(run.state.Stats)
		run.mu.Unlock()

		run.emit(audit.ProgressSignal{
			Phase:      audit.PhaseCrawling,
			Fraction:   float64(count) / float64(run.req.PageBudget),
			Message:    fmt.Sprintf("crawled %d of up to %d pages", count, run.req.PageBudget),
			CurrentURL: url,
			PageCount:  count,
		})
	})

	collector.OnError(func(resp *colly.Response, err error) {
		url := resp.Request.URL.String()
		run.mu.Lock()
		run.state.Broken[url] = audit.BrokenRequest{
			URL:        url,
			StatusCode: resp.StatusCode,
			Reason:     err.Error(),
		}
		run.mu.Unlock()
		run.logger.Debug("page fetch failed",
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err),
		)
	})

	if err := collector.Visit(run.req.TargetURL); err != nil {
		return fmt.Errorf("visit %s: %w", run.req.TargetURL, err)
	}
	collector.Wait()
	return ctx.Err()
}

// recordLink classifies an anchor and either queues it for crawling or
// files it under the appropriate link table.
func (r *crawlRun) recordLink(e *colly.HTMLElement) {
	href := strings.TrimSpace(e.Attr("href"))
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return
	}
	source := e.Request.URL.String()

	switch {
	case strings.HasPrefix(href, "mailto:"):
		r.mu.Lock()
		r.state.Mailto[source] = appendUnique(r.state.Mailto[source], strings.TrimPrefix(href, "mailto:"))
		r.mu.Unlock()
		return
	case strings.HasPrefix(href, "tel:"):
		r.mu.Lock()
		r.state.Tel[source] = appendUnique(r.state.Tel[source], strings.TrimPrefix(href, "tel:"))
		r.mu.Unlock()
		return
	}

	abs := e.Request.AbsoluteURL(href)
	if abs == "" {
		return
	}
	linkDomain, err := audit.DomainOf(abs)
	if err != nil {
		return
	}
	if linkDomain != r.req.Domain {
		r.mu.Lock()
		r.state.External[source] = appendUnique(r.state.External[source], abs)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	_, visited := r.state.Visited[abs]
	if !visited {
		r.state.Frontier[abs] = struct{}{}
	}
	r.mu.Unlock()
	if visited {
		return
	}
	// Colly applies its own revisit and budget filtering on top.
	if err := e.Request.Visit(href); err != nil {
		r.logger.Debug("queue link failed", zap.String("href", href), zap.Error(err))
	}
}

// checkExternalLinks probes a bounded, deterministic sample of the
// external links found during the walk and files failures as broken.
func (c *Crawler) checkExternalLinks(ctx context.Context, run *crawlRun) error {
	targets := run.externalTargets()
	if run.req.MaxExternalLinks > 0 && len(targets) > run.req.MaxExternalLinks {
		targets = targets[:run.req.MaxExternalLinks]
	}
	if len(targets) == 0 {
		return ctx.Err()
	}

	run.emit(audit.ProgressSignal{
		Phase:     audit.PhaseExternalLinks,
		Message:   fmt.Sprintf("checking %d external links", len(targets)),
		PageCount: run.pageCount(),
	})
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if status, err := c.probe(ctx, target.url); err != nil || status >= http.StatusBadRequest {
			reason := ""
			if err != nil {
				reason = err.Error()
			}
			run.mu.Lock()
			run.state.Broken[target.url] = audit.BrokenRequest{
				URL:        target.url,
				SourceURL:  target.source,
				StatusCode: status,
				Reason:     reason,
			}
			run.mu.Unlock()
		}
		run.emit(audit.ProgressSignal{
			Phase:      audit.PhaseExternalLinks,
			Fraction:   float64(i+1) / float64(len(targets)),
			CurrentURL: target.url,
			PageCount:  run.pageCount(),
		})
	}
	return ctx.Err()
}

type externalTarget struct {
	url    string
	source string
}

// externalTargets flattens and sorts the external link table so the probe
// sample is stable run to run.
func (r *crawlRun) externalTargets() []externalTarget {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	targets := make([]externalTarget, 0, len(r.state.External))
	for source, links := range r.state.External {
		for _, link := range links {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			targets = append(targets, externalTarget{url: link, source: source})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].url < targets[j].url })
	return targets
}

// probe issues a HEAD request, falling back to GET for servers that reject
// HEAD outright.
func (c *Crawler) probe(ctx context.Context, url string) (int, error) {
	status, err := c.do(ctx, http.MethodHead, url)
	if err == nil && status == http.StatusMethodNotAllowed {
		return c.do(ctx, http.MethodGet, url)
	}
	return status, err
}

func (c *Crawler) do(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
