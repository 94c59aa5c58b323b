package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/session"
	memstore "github.com/sitevitals/siteaudit/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeCrawler struct {
	crawlFn  func(ctx context.Context, req audit.CrawlRequest, signals chan<- audit.ProgressSignal) error
	cleanups int
}

func (f *fakeCrawler) Crawl(ctx context.Context, req audit.CrawlRequest, signals chan<- audit.ProgressSignal) error {
	if f.crawlFn == nil {
		return nil
	}
	return f.crawlFn(ctx, req, signals)
}

func (f *fakeCrawler) Cleanup() { f.cleanups++ }

type fakeLoader struct {
	mu     sync.Mutex
	calls  int
	loadFn func(call int) (*audit.CrawlState, error)
}

func (f *fakeLoader) Load(_ context.Context, _ string) (*audit.CrawlState, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.loadFn(call)
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

func goodState(domain string, pages int) *audit.CrawlState {
	state := &audit.CrawlState{
		Domain:    domain,
		CrawledAt: time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC),
		Visited:   map[string]struct{}{},
		Stats:     map[string]audit.PageStats{},
	}
	for i := 0; i < pages; i++ {
		url := "https://" + domain + "/p" + string(rune('a'+i))
		state.Visited[url] = struct{}{}
		state.Stats[url] = audit.PageStats{URL: url, StatusCode: 200}
	}
	return state
}

type fixture struct {
	orch     *Orchestrator
	registry *session.Registry
	records  *memstore.RecordStore
	crawler  *fakeCrawler
	loader   *fakeLoader
	pub      *recordingPublisher
}

func newFixture(t *testing.T, cfg Config, crawler *fakeCrawler, loader *fakeLoader) *fixture {
	t.Helper()
	clock := newFakeClock()
	registry := session.NewRegistry(session.NewMemoryStore(), clock, session.Config{}, nil)
	records := memstore.NewRecordStore()
	pub := &recordingPublisher{}
	if cfg.SettlingDelay == 0 {
		cfg.SettlingDelay = time.Millisecond
	}
	if cfg.LoadBackoffUnit == 0 {
		cfg.LoadBackoffUnit = time.Millisecond
	}
	orch := New(cfg, crawler, loader, registry, records, pub, clock, nil)
	return &fixture{
		orch:     orch,
		registry: registry,
		records:  records,
		crawler:  crawler,
		loader:   loader,
		pub:      pub,
	}
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{
		crawlFn: func(_ context.Context, req audit.CrawlRequest, signals chan<- audit.ProgressSignal) error {
			signals <- audit.ProgressSignal{Phase: audit.PhaseCrawling, Fraction: 0.5, CurrentURL: req.TargetURL, PageCount: 2, TotalPages: 4}
			signals <- audit.ProgressSignal{Phase: audit.PhaseExternalLinks, Fraction: 0.5, Message: "checking external links"}
			signals <- audit.ProgressSignal{Phase: audit.PhaseFinalizing, Fraction: 1}
			return nil
		},
	}
	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) {
		return goodState("example.com", 4), nil
	}}
	fix := newFixture(t, Config{CompletionTopic: "audit-completed"}, crawler, loader)

	res, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "example.com",
		PageBudget: 25,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	require.Equal(t, 4, res.Report.PagesCrawled)
	require.Equal(t, 4, res.Metrics.PagesCrawled)
	require.Equal(t, 1, res.Metrics.LoadAttempts)

	sess, err := fix.registry.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, audit.SessionCompleted, sess.Status)
	require.Equal(t, 100, sess.Progress)
	require.NotNil(t, sess.Result)
	require.NotEmpty(t, sess.RecordID)

	record, ok := fix.records.Get(context.Background(), sess.RecordID)
	require.True(t, ok)
	require.Equal(t, audit.RecordCompleted, record.Status)
	require.NotNil(t, record.Report)
	require.NotNil(t, record.CompletedAt)

	require.Equal(t, []string{"audit-completed"}, fix.pub.topics)
	require.Equal(t, 1, crawler.cleanups)
}

func TestRunSnapshotRetriesUntilStatsArrive(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{loadFn: func(call int) (*audit.CrawlState, error) {
		if call <= 2 {
			return goodState("example.com", 0), nil
		}
		return goodState("example.com", 3), nil
	}}
	fix := newFixture(t, Config{}, &fakeCrawler{}, loader)

	res, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-retry",
	})
	require.NoError(t, err)
	require.Equal(t, 3, loader.callCount())
	require.Equal(t, 3, res.Metrics.LoadAttempts)
}

func TestRunSnapshotExhaustionFailsRun(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) {
		return nil, errors.New("no runs found")
	}}
	fix := newFixture(t, Config{LoadAttempts: 3}, &fakeCrawler{}, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-exhaust",
	})
	require.ErrorIs(t, err, audit.ErrStateLoad)
	require.Equal(t, 3, loader.callCount())

	sess, err := fix.registry.Get(context.Background(), "sess-exhaust")
	require.NoError(t, err)
	require.Equal(t, audit.SessionError, sess.Status)
	require.NotEmpty(t, sess.ErrorMessage)

	record, ok := fix.records.Get(context.Background(), sess.RecordID)
	require.True(t, ok)
	require.Equal(t, audit.RecordFailed, record.Status)
	require.NotEmpty(t, record.ErrorText)
}

func TestRunCrawlFailureIsExecutionError(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{
		crawlFn: func(context.Context, audit.CrawlRequest, chan<- audit.ProgressSignal) error {
			return errors.New("connection refused")
		},
	}
	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) {
		t.Fatal("loader must not be called after a failed crawl")
		return nil, nil
	}}
	fix := newFixture(t, Config{}, crawler, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-crawl-fail",
	})
	require.ErrorIs(t, err, audit.ErrExecution)
	require.Equal(t, 1, crawler.cleanups)

	sess, err := fix.registry.Get(context.Background(), "sess-crawl-fail")
	require.NoError(t, err)
	require.Equal(t, audit.SessionError, sess.Status)
}

func TestRunTimeoutSurfacesAsTimeout(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{
		crawlFn: func(ctx context.Context, _ audit.CrawlRequest, _ chan<- audit.ProgressSignal) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) { return nil, nil }}
	fix := newFixture(t, Config{RunTimeout: 20 * time.Millisecond}, crawler, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-timeout",
	})
	require.ErrorIs(t, err, audit.ErrTimeout)
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		req  Request
	}{
		{"missing target", Request{SessionID: "s", PageBudget: 10}},
		{"missing session", Request{TargetURL: "example.com", PageBudget: 10}},
		{"budget too low", Request{TargetURL: "example.com", SessionID: "s", PageBudget: 0}},
		{"budget too high", Request{TargetURL: "example.com", SessionID: "s", PageBudget: 5000}},
		{"unparseable target", Request{TargetURL: "http://%zz", SessionID: "s", PageBudget: 10}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) { return nil, nil }}
			fix := newFixture(t, Config{}, &fakeCrawler{}, loader)
			_, err := fix.orch.Run(context.Background(), tc.req)
			require.ErrorIs(t, err, audit.ErrValidation)
		})
	}
}

func TestRunLimitsCapPageBudget(t *testing.T) {
	t.Parallel()

	var seen audit.CrawlRequest
	crawler := &fakeCrawler{
		crawlFn: func(_ context.Context, req audit.CrawlRequest, _ chan<- audit.ProgressSignal) error {
			seen = req
			return nil
		},
	}
	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) {
		return goodState("example.com", 1), nil
	}}
	fix := newFixture(t, Config{}, crawler, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://www.Example.com/about#team",
		PageBudget: 500,
		ReportKind: audit.ReportDetailed,
		SessionID:  "sess-limits",
		Limits:     audit.UserLimits{MaxPagesPerAudit: 50, MaxExternalLinks: 20},
	})
	require.NoError(t, err)
	require.Equal(t, 50, seen.PageBudget)
	require.Equal(t, 20, seen.MaxExternalLinks)
	require.Equal(t, "example.com", seen.Domain)
	require.Equal(t, "https://www.example.com/about", seen.TargetURL)
}

func TestRetriedRunRecoversSession(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{loadFn: func(call int) (*audit.CrawlState, error) {
		if call == 1 {
			return nil, errors.New("snapshot missing")
		}
		return goodState("example.com", 3), nil
	}}
	fix := newFixture(t, Config{LoadAttempts: 1}, &fakeCrawler{}, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-recover",
		Attempt:    1, MaxAttempts: 2,
	})
	require.ErrorIs(t, err, audit.ErrStateLoad)

	// The scheduler still owns a retry, so the session must not surface
	// a terminal error yet.
	sess, err := fix.registry.Get(context.Background(), "sess-recover")
	require.NoError(t, err)
	require.Equal(t, audit.SessionRunning, sess.Status)
	require.Empty(t, sess.ErrorMessage)
	require.Contains(t, sess.Message, "retrying")

	record, ok := fix.records.Get(context.Background(), sess.RecordID)
	require.True(t, ok)
	require.Equal(t, audit.RecordFailed, record.Status)

	res, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-recover",
		Attempt:    2, MaxAttempts: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Report)

	sess, err = fix.registry.Get(context.Background(), "sess-recover")
	require.NoError(t, err)
	require.Equal(t, audit.SessionCompleted, sess.Status)
	require.Equal(t, 100, sess.Progress)
	require.NotNil(t, sess.Result)
	require.Empty(t, sess.ErrorMessage)
}

func TestRetriedRunRewindsProgress(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	call := 0
	crawler := &fakeCrawler{
		crawlFn: func(_ context.Context, _ audit.CrawlRequest, signals chan<- audit.ProgressSignal) error {
			mu.Lock()
			call++
			n := call
			mu.Unlock()
			if n == 1 {
				signals <- audit.ProgressSignal{Phase: audit.PhaseCrawling, Fraction: 0.75, PageCount: 6}
				return errors.New("connection reset")
			}
			signals <- audit.ProgressSignal{Phase: audit.PhaseCrawling, Fraction: 0.25, PageCount: 2}
			return errors.New("connection reset")
		},
	}
	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) { return nil, nil }}
	fix := newFixture(t, Config{}, crawler, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-rewind",
		Attempt:    1, MaxAttempts: 2,
	})
	require.ErrorIs(t, err, audit.ErrExecution)

	sess, err := fix.registry.Get(context.Background(), "sess-rewind")
	require.NoError(t, err)
	require.Equal(t, audit.SessionRunning, sess.Status)
	require.Equal(t, 60, sess.Progress)

	_, err = fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-rewind",
		Attempt:    2, MaxAttempts: 2,
	})
	require.ErrorIs(t, err, audit.ErrExecution)

	// The second attempt rewinds the bar before advancing again, so the
	// failed first attempt does not pin it at 60.
	sess, err = fix.registry.Get(context.Background(), "sess-rewind")
	require.NoError(t, err)
	require.Equal(t, audit.SessionError, sess.Status)
	require.Equal(t, 20, sess.Progress)
	require.NotEmpty(t, sess.ErrorMessage)
}

func TestValidationFailureTerminalWithRetriesLeft(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) { return nil, nil }}
	fix := newFixture(t, Config{}, &fakeCrawler{}, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "https://example.com",
		PageBudget: 0,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-bad-budget",
		Attempt:    1, MaxAttempts: 3,
	})
	require.ErrorIs(t, err, audit.ErrValidation)

	sess, err := fix.registry.Get(context.Background(), "sess-bad-budget")
	require.NoError(t, err)
	require.Equal(t, audit.SessionError, sess.Status)
}

func TestProgressPercentBands(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, progressPercent(audit.PhaseStarting, 0.9))
	require.Equal(t, 40, progressPercent(audit.PhaseCrawling, 0.5))
	require.Equal(t, 80, progressPercent(audit.PhaseCrawling, 1.5))
	require.Equal(t, 80, progressPercent(audit.PhaseExternalLinks, 0))
	require.Equal(t, 95, progressPercent(audit.PhaseExternalLinks, 1))
	require.Equal(t, 95, progressPercent(audit.PhaseFinalizing, 0))
	require.Equal(t, 100, progressPercent(audit.PhaseFinalizing, 1))
	require.Equal(t, 100, progressPercent(audit.PhaseDone, 0))
	require.Equal(t, 0, progressPercent(audit.CrawlPhase("bogus"), 0.5))
}

func TestProgressMergesLandBeforeTerminalStatus(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{
		crawlFn: func(_ context.Context, _ audit.CrawlRequest, signals chan<- audit.ProgressSignal) error {
			for i := 1; i <= 10; i++ {
				signals <- audit.ProgressSignal{Phase: audit.PhaseCrawling, Fraction: float64(i) / 10, PageCount: i}
			}
			return nil
		},
	}
	loader := &fakeLoader{loadFn: func(int) (*audit.CrawlState, error) {
		return goodState("example.com", 10), nil
	}}
	fix := newFixture(t, Config{}, crawler, loader)

	_, err := fix.orch.Run(context.Background(), Request{
		TargetURL:  "example.com",
		PageBudget: 10,
		ReportKind: audit.ReportSummary,
		SessionID:  "sess-order",
	})
	require.NoError(t, err)

	sess, err := fix.registry.Get(context.Background(), "sess-order")
	require.NoError(t, err)
	require.Equal(t, audit.SessionCompleted, sess.Status)
	require.Equal(t, 100, sess.Progress)
	require.Equal(t, 10, sess.PageCount)
}
