// Package report turns a loaded crawl state into the payload attached to
// completed audit sessions. The transform is pure and deterministic.
package report

import (
	"sort"
	"time"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// Generate builds a report payload from the snapshot. Summary reports carry
// aggregate counts only; detailed reports additionally include the per-page
// stats table and the broken-link table.
func Generate(state *audit.CrawlState, kind audit.ReportKind, generatedAt time.Time) *audit.ReportPayload {
	payload := &audit.ReportPayload{
		Domain:        state.Domain,
		ReportKind:    kind,
		GeneratedAt:   generatedAt,
		PagesCrawled:  len(state.Stats),
		FrontierSize:  len(state.Frontier),
		BrokenLinks:   len(state.Broken),
		ExternalLinks: len(state.External),
		MailtoLinks:   len(state.Mailto),
		TelLinks:      len(state.Tel),
	}
	if kind != audit.ReportDetailed {
		return payload
	}

	payload.Pages = make([]audit.PageStats, 0, len(state.Stats))
	for _, stats := range state.Stats {
		payload.Pages = append(payload.Pages, stats)
	}
	sort.Slice(payload.Pages, func(i, j int) bool {
		return payload.Pages[i].URL < payload.Pages[j].URL
	})

	payload.Broken = make([]audit.BrokenRequest, 0, len(state.Broken))
	for _, broken := range state.Broken {
		payload.Broken = append(payload.Broken, broken)
	}
	sort.Slice(payload.Broken, func(i, j int) bool {
		return payload.Broken[i].URL < payload.Broken[j].URL
	})
	return payload
}
