// Package cache implements the result-freshness gate that deduplicates
// redundant audits.
package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// Config controls freshness behavior.
type Config struct {
	// FreshnessWindow is the maximum age of a completed audit that still
	// qualifies for reuse (default 24h).
	FreshnessWindow time.Duration
}

const defaultFreshnessWindow = 24 * time.Hour

// Gate answers whether a prior completed audit is fresh enough to reuse.
// The check is advisory: any store failure degrades to a miss so a lookup
// problem can never block a submission.
type Gate struct {
	cfg     Config
	records audit.RecordStore
	clock   audit.Clock
	logger  *zap.Logger
}

// NewGate constructs a Gate over the record store.
func NewGate(records audit.RecordStore, clock audit.Clock, cfg Config, logger *zap.Logger) *Gate {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = defaultFreshnessWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cfg: cfg, records: records, clock: clock, logger: logger}
}

// Lookup returns the freshest completed record for the target's normalized
// domain, or nil when the caller should run a fresh crawl.
func (g *Gate) Lookup(ctx context.Context, targetURL string) *audit.AuditRecord {
	domain, err := audit.DomainOf(targetURL)
	if err != nil {
		return nil
	}
	record, err := g.records.FindMostRecentCompletedByDomain(ctx, domain)
	if err != nil {
		if !errors.Is(err, audit.ErrRecordNotFound) {
			g.logger.Warn("cache lookup failed, running fresh crawl",
				zap.String("domain", domain),
				zap.Error(err),
			)
		}
		return nil
	}
	if record.CompletedAt == nil || record.Report == nil {
		return nil
	}
	age := g.clock.Now().Sub(*record.CompletedAt)
	if age > g.cfg.FreshnessWindow {
		return nil
	}
	g.logger.Info("cache hit, reusing completed audit",
		zap.String("domain", domain),
		zap.String("record_id", record.ID),
		zap.Duration("age", age),
	)
	return &record
}
