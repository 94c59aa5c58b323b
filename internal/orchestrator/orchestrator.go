// Package orchestrator implements the audit job body: it drives the
// external crawler, streams progress into the session registry, loads the
// crawl snapshot once it has settled on disk, generates the report, and
// persists the durable audit record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/report"
	"github.com/sitevitals/siteaudit/internal/session"
)

// Config controls orchestrator timing.
type Config struct {
	// SettlingDelay is the wait between crawl completion and the first
	// snapshot load attempt; artifacts may still be flushing (default 5s).
	SettlingDelay time.Duration
	// LoadAttempts bounds snapshot load retries (default 5).
	LoadAttempts int
	// LoadBackoffUnit scales the per-attempt backoff, attempt x unit
	// (default 1s).
	LoadBackoffUnit time.Duration
	// RunTimeout is the wall-clock ceiling for a whole run (default 10m).
	RunTimeout time.Duration
	// SignalBuffer sizes the crawler progress channel (default 256).
	SignalBuffer int
	// CompletionTopic names the notification topic; empty disables
	// publishing.
	CompletionTopic string
}

const (
	defaultSettlingDelay   = 5 * time.Second
	defaultLoadAttempts    = 5
	defaultLoadBackoffUnit = time.Second
	defaultRunTimeout      = 10 * time.Minute
	defaultSignalBuffer    = 256

	minPageBudget = 1
	maxPageBudget = 1000
)

// Request carries one audit run's inputs. Attempt and MaxAttempts mirror
// the job-level retry bookkeeping: a failed run may only mark its session
// terminal when no retry remains, so observers never see an error state
// that a later attempt would resurrect.
type Request struct {
	TargetURL   string
	PageBudget  int
	ReportKind  audit.ReportKind
	SessionID   string
	Limits      audit.UserLimits
	Attempt     int
	MaxAttempts int
}

// finalAttempt reports whether a failure of this run is job-terminal.
// Zero values (callers without retry bookkeeping) count as final.
func (r Request) finalAttempt() bool {
	return r.Attempt >= r.MaxAttempts
}

// Result is returned on success.
type Result struct {
	Report  *audit.ReportPayload
	Metrics audit.RunMetrics
}

// Orchestrator executes audit runs. On timeout the run's context is
// canceled and the crawler drains at its next page boundary; resources are
// released by the deferred cleanup step rather than force-killed.
type Orchestrator struct {
	cfg       Config
	crawler   audit.Crawler
	loader    audit.StateLoader
	registry  *session.Registry
	records   audit.RecordStore
	publisher audit.Publisher
	clock     audit.Clock
	logger    *zap.Logger
}

// New constructs an Orchestrator. publisher may be nil.
func New(
	cfg Config,
	crawler audit.Crawler,
	loader audit.StateLoader,
	registry *session.Registry,
	records audit.RecordStore,
	publisher audit.Publisher,
	clock audit.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.SettlingDelay <= 0 {
		cfg.SettlingDelay = defaultSettlingDelay
	}
	if cfg.LoadAttempts <= 0 {
		cfg.LoadAttempts = defaultLoadAttempts
	}
	if cfg.LoadBackoffUnit <= 0 {
		cfg.LoadBackoffUnit = defaultLoadBackoffUnit
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = defaultSignalBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		crawler:   crawler,
		loader:    loader,
		registry:  registry,
		records:   records,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Run executes one audit. Validation failures surface synchronously and
// are never worth a job retry; everything after validation races against
// the run timeout.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	started := o.clock.Now()

	if err := validate(req); err != nil {
		o.failSession(req.SessionID, err)
		return Result{}, err
	}
	targetURL, err := audit.NormalizeTargetURL(req.TargetURL)
	if err != nil {
		o.failSession(req.SessionID, err)
		return Result{}, err
	}
	domain, err := audit.DomainOf(targetURL)
	if err != nil {
		o.failSession(req.SessionID, err)
		return Result{}, err
	}
	pageBudget := req.PageBudget
	if req.Limits.MaxPagesPerAudit > 0 && pageBudget > req.Limits.MaxPagesPerAudit {
		pageBudget = req.Limits.MaxPagesPerAudit
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	defer o.cleanup()

	if req.Attempt > 1 {
		// A fresh attempt rewinds the progress bar left pinned by the
		// failed one.
		o.mergeFinal(req.SessionID, audit.SessionPatch{
			ResetProgress:  intPtr(0),
			Phase:          strPtr(string(audit.PhaseStarting)),
			Message:        strPtr("restarting audit"),
			DetailedStatus: strPtr("restarting audit"),
			CurrentURL:     strPtr(""),
		})
	}

	recordID := o.createPendingRecord(runCtx, domain, targetURL, req.ReportKind, req.SessionID)

	log := o.logger.With(
		zap.String("session_id", req.SessionID),
		zap.String("domain", domain),
	)
	log.Info("audit run started",
		zap.String("target_url", targetURL),
		zap.Int("page_budget", pageBudget),
		zap.Int("attempt", req.Attempt),
	)

	crawlErr := o.runCrawl(runCtx, audit.CrawlRequest{
		TargetURL:        targetURL,
		Domain:           domain,
		PageBudget:       pageBudget,
		MaxExternalLinks: req.Limits.MaxExternalLinks,
	}, req.SessionID)
	if crawlErr != nil {
		runErr := o.classify(runCtx, fmt.Errorf("crawl %s: %w", domain, crawlErr))
		o.failRun(req, recordID, runErr)
		return Result{}, runErr
	}

	// Snapshot files may not be durably flushed the instant the crawler
	// returns control.
	if err := sleepCtx(runCtx, o.cfg.SettlingDelay); err != nil {
		runErr := o.classify(runCtx, err)
		o.failRun(req, recordID, runErr)
		return Result{}, runErr
	}

	state, loadAttempts, err := o.loadState(runCtx, domain, req.SessionID)
	if err != nil {
		runErr := o.classify(runCtx, err)
		o.failRun(req, recordID, runErr)
		return Result{}, runErr
	}

	payload := report.Generate(state, req.ReportKind, o.clock.Now())
	o.completeRecord(recordID, payload)
	o.publishCompletion(req.SessionID, recordID, payload)

	o.mergeFinal(req.SessionID, audit.SessionPatch{
		Status:         statusPtr(audit.SessionCompleted),
		Progress:       intPtr(100),
		Phase:          strPtr(string(audit.PhaseDone)),
		Message:        strPtr("audit complete"),
		DetailedStatus: strPtr("audit complete"),
		ErrorMessage:   strPtr(""),
		Result:         payload,
	})

	metrics := audit.RunMetrics{
		PagesCrawled: payload.PagesCrawled,
		LoadAttempts: loadAttempts,
		Elapsed:      o.clock.Now().Sub(started),
	}
	log.Info("audit run completed",
		zap.Int("pages_crawled", metrics.PagesCrawled),
		zap.Int("load_attempts", metrics.LoadAttempts),
		zap.Duration("elapsed", metrics.Elapsed),
	)
	return Result{Report: payload, Metrics: metrics}, nil
}

func validate(req Request) error {
	if req.TargetURL == "" {
		return fmt.Errorf("%w: target url is required", audit.ErrValidation)
	}
	if req.SessionID == "" {
		return fmt.Errorf("%w: session id is required", audit.ErrValidation)
	}
	if req.PageBudget < minPageBudget || req.PageBudget > maxPageBudget {
		return fmt.Errorf("%w: page budget %d outside [%d,%d]",
			audit.ErrValidation, req.PageBudget, minPageBudget, maxPageBudget)
	}
	return nil
}

// runCrawl drives the crawler while a dedicated updater goroutine folds
// its progress signals into the session registry.
func (o *Orchestrator) runCrawl(ctx context.Context, req audit.CrawlRequest, sessionID string) error {
	signals := make(chan audit.ProgressSignal, o.cfg.SignalBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.consumeSignals(sessionID, signals)
	}()

	err := o.crawler.Crawl(ctx, req, signals)
	close(signals)
	// Progress merges finish before any terminal merge can happen.
	<-done
	return err
}

// loadState retries the snapshot load with linear backoff; a snapshot with
// no per-page stats counts as a failed attempt because the state file may
// have been written before the crawl data landed.
func (o *Orchestrator) loadState(ctx context.Context, domain, sessionID string) (*audit.CrawlState, int, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.LoadAttempts; attempt++ {
		state, err := o.loader.Load(ctx, domain)
		switch {
		case err != nil:
			lastErr = err
		case len(state.Stats) == 0:
			lastErr = fmt.Errorf("%w: snapshot for %s has empty stats", audit.ErrStateLoad, domain)
		default:
			return state, attempt, nil
		}

		o.logger.Warn("snapshot load attempt failed",
			zap.String("session_id", sessionID),
			zap.String("domain", domain),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == o.cfg.LoadAttempts {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*o.cfg.LoadBackoffUnit); err != nil {
			return nil, attempt, err
		}
	}
	if !errors.Is(lastErr, audit.ErrStateLoad) {
		lastErr = fmt.Errorf("%w: %v", audit.ErrStateLoad, lastErr)
	}
	return nil, o.cfg.LoadAttempts, lastErr
}

func (o *Orchestrator) createPendingRecord(
	ctx context.Context,
	domain, targetURL string,
	kind audit.ReportKind,
	sessionID string,
) string {
	record, err := o.records.CreateRecord(ctx, audit.AuditRecord{
		Domain:     domain,
		TargetURL:  targetURL,
		ReportKind: kind,
		Status:     audit.RecordPending,
		CreatedAt:  o.clock.Now(),
	})
	if err != nil {
		// Persistence is best-effort; the session still carries the result.
		o.logger.Warn("create audit record failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return ""
	}
	o.mergeFinal(sessionID, audit.SessionPatch{RecordID: strPtr(record.ID)})
	return record.ID
}

func (o *Orchestrator) completeRecord(recordID string, payload *audit.ReportPayload) {
	if recordID == "" {
		return
	}
	completedAt := o.clock.Now()
	err := o.records.UpdateRecordStatus(context.Background(), recordID, audit.RecordCompleted, audit.RecordUpdate{
		Report:      payload,
		CompletedAt: &completedAt,
	})
	if err != nil {
		o.logger.Warn("complete audit record failed",
			zap.String("record_id", recordID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publishCompletion(sessionID, recordID string, payload *audit.ReportPayload) {
	if o.publisher == nil || o.cfg.CompletionTopic == "" {
		return
	}
	msg := map[string]any{
		"session_id":    sessionID,
		"record_id":     recordID,
		"domain":        payload.Domain,
		"pages_crawled": payload.PagesCrawled,
		"broken_links":  payload.BrokenLinks,
		"completed_at":  o.clock.Now().Format(time.RFC3339),
	}
	if _, err := o.publisher.Publish(context.Background(), o.cfg.CompletionTopic, msg); err != nil {
		o.logger.Warn("publish completion failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// classify maps a run error onto the taxonomy, distinguishing the run
// timeout from genuine execution failures.
func (o *Orchestrator) classify(runCtx context.Context, err error) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", audit.ErrTimeout, err)
	}
	if errors.Is(err, audit.ErrStateLoad) || errors.Is(err, audit.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", audit.ErrExecution, err)
}

// failRun records the failed attempt. The durable record always turns
// failed, but the session only goes terminal when the scheduler has no
// retry left for this job; otherwise observers keep a running session
// that the next attempt picks up.
func (o *Orchestrator) failRun(req Request, recordID string, runErr error) {
	if req.finalAttempt() || errors.Is(runErr, audit.ErrValidation) {
		o.failSession(req.SessionID, runErr)
	} else {
		o.mergeFinal(req.SessionID, audit.SessionPatch{
			Message:        strPtr(fmt.Sprintf("attempt %d failed, retrying", req.Attempt)),
			DetailedStatus: strPtr(runErr.Error()),
		})
	}
	if recordID == "" {
		return
	}
	msg := runErr.Error()
	completedAt := o.clock.Now()
	err := o.records.UpdateRecordStatus(context.Background(), recordID, audit.RecordFailed, audit.RecordUpdate{
		ErrorText:   &msg,
		CompletedAt: &completedAt,
	})
	if err != nil {
		o.logger.Warn("fail audit record failed",
			zap.String("record_id", recordID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) failSession(sessionID string, runErr error) {
	if sessionID == "" {
		return
	}
	o.mergeFinal(sessionID, audit.SessionPatch{
		Status:       statusPtr(audit.SessionError),
		ErrorMessage: strPtr(runErr.Error()),
	})
}

// mergeFinal merges against background so a canceled run context cannot
// drop a terminal status write.
func (o *Orchestrator) mergeFinal(sessionID string, patch audit.SessionPatch) {
	if _, err := o.registry.Merge(context.Background(), sessionID, patch); err != nil {
		o.logger.Warn("session merge failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) cleanup() {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Warn("crawler cleanup panicked", zap.Any("panic", rec))
		}
	}()
	o.crawler.Cleanup()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func strPtr(s string) *string                              { return &s }
func intPtr(n int) *int                                    { return &n }
func statusPtr(s audit.SessionStatus) *audit.SessionStatus { return &s }
