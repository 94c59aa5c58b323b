package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitevitals/siteaudit/internal/audit"
)

func testState() *audit.CrawlState {
	return &audit.CrawlState{
		Domain: "example.com",
		Visited: map[string]struct{}{
			"https://example.com/":  {},
			"https://example.com/b": {},
		},
		Frontier: map[string]struct{}{"https://example.com/c": {}},
		Stats: map[string]audit.PageStats{
			"https://example.com/b": {URL: "https://example.com/b", StatusCode: 200},
			"https://example.com/":  {URL: "https://example.com/", StatusCode: 200, InternalLinks: 2},
		},
		Broken: map[string]audit.BrokenRequest{
			"https://example.com/x": {URL: "https://example.com/x", StatusCode: 404},
		},
		External: map[string][]string{"https://other.example/": {"https://example.com/"}},
		Mailto:   map[string][]string{"mailto:a@example.com": {"https://example.com/"}},
		Tel:      map[string][]string{},
	}
}

func TestGenerateSummary(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := Generate(testState(), audit.ReportSummary, at)

	require.Equal(t, "example.com", payload.Domain)
	require.Equal(t, 2, payload.PagesCrawled)
	require.Equal(t, 1, payload.FrontierSize)
	require.Equal(t, 1, payload.BrokenLinks)
	require.Equal(t, 1, payload.ExternalLinks)
	require.Equal(t, 1, payload.MailtoLinks)
	require.Zero(t, payload.TelLinks)
	require.Nil(t, payload.Pages)
	require.Nil(t, payload.Broken)
}

func TestGenerateDetailed(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := Generate(testState(), audit.ReportDetailed, at)

	require.Len(t, payload.Pages, 2)
	// Pages sorted by URL for deterministic output.
	require.Equal(t, "https://example.com/", payload.Pages[0].URL)
	require.Equal(t, "https://example.com/b", payload.Pages[1].URL)
	require.Len(t, payload.Broken, 1)
	require.Equal(t, 404, payload.Broken[0].StatusCode)
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Generate(testState(), audit.ReportDetailed, at)
	second := Generate(testState(), audit.ReportDetailed, at)
	require.Equal(t, first, second)
}
