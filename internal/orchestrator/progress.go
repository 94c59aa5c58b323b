package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// Percent bands per crawl phase. Within a band the crawler's fractional
// completion interpolates linearly; the registry enforces monotonicity so
// out-of-order signals cannot walk progress backwards.
const (
	crawlBandStart    = 0
	crawlBandEnd      = 80
	externalBandEnd   = 95
	finalizingBandEnd = 100
)

// progressPercent maps a phase plus in-phase fraction to an overall
// percentage.
func progressPercent(phase audit.CrawlPhase, fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	var lo, hi int
	switch phase {
	case audit.PhaseStarting:
		return crawlBandStart
	case audit.PhaseCrawling:
		lo, hi = crawlBandStart, crawlBandEnd
	case audit.PhaseExternalLinks:
		lo, hi = crawlBandEnd, externalBandEnd
	case audit.PhaseFinalizing:
		lo, hi = externalBandEnd, finalizingBandEnd
	case audit.PhaseDone:
		return finalizingBandEnd
	default:
		return crawlBandStart
	}
	return lo + int(float64(hi-lo)*fraction)
}

// consumeSignals folds crawler progress into the session until the channel
// closes. Merges use background context so late signals from a timed-out
// crawl still land.
func (o *Orchestrator) consumeSignals(sessionID string, signals <-chan audit.ProgressSignal) {
	for sig := range signals {
		patch := audit.SessionPatch{
			Progress: intPtr(progressPercent(sig.Phase, sig.Fraction)),
			Phase:    strPtr(string(sig.Phase)),
		}
		if sig.Message != "" {
			patch.Message = strPtr(sig.Message)
			patch.DetailedStatus = strPtr(sig.Message)
		}
		if sig.CurrentURL != "" {
			patch.CurrentURL = strPtr(sig.CurrentURL)
		}
		if sig.PageCount > 0 {
			patch.PageCount = intPtr(sig.PageCount)
		}
		if sig.TotalPages > 0 {
			patch.TotalPages = intPtr(sig.TotalPages)
		}
		if _, err := o.registry.Merge(context.Background(), sessionID, patch); err != nil {
			o.logger.Warn("progress merge failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}
