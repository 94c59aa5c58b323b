package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/store/memory"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type failingRecordStore struct{}

func (failingRecordStore) CreateRecord(context.Context, audit.AuditRecord) (audit.AuditRecord, error) {
	return audit.AuditRecord{}, errors.New("store down")
}

func (failingRecordStore) UpdateRecordStatus(context.Context, string, audit.RecordStatus, audit.RecordUpdate) error {
	return errors.New("store down")
}

func (failingRecordStore) FindMostRecentCompletedByDomain(context.Context, string) (audit.AuditRecord, error) {
	return audit.AuditRecord{}, errors.New("store down")
}

func seedCompleted(t *testing.T, records *memory.RecordStore, domain string, completedAt time.Time) {
	t.Helper()
	_, err := records.CreateRecord(context.Background(), audit.AuditRecord{
		Domain:      domain,
		TargetURL:   "https://" + domain,
		ReportKind:  audit.ReportSummary,
		Status:      audit.RecordCompleted,
		Report:      &audit.ReportPayload{Domain: domain, ReportKind: audit.ReportSummary, PagesCrawled: 4},
		CompletedAt: &completedAt,
	})
	require.NoError(t, err)
}

func TestGate_FreshHit(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := memory.NewRecordStore()
	seedCompleted(t, records, "example.com", now.Add(-time.Hour))

	g := NewGate(records, fixedClock{now: now}, Config{}, zap.NewNop())
	hit := g.Lookup(context.Background(), "https://example.com")
	require.NotNil(t, hit)
	require.Equal(t, 4, hit.Report.PagesCrawled)
}

func TestGate_StaleMiss(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := memory.NewRecordStore()
	seedCompleted(t, records, "example.com", now.Add(-30*time.Hour))

	g := NewGate(records, fixedClock{now: now}, Config{}, zap.NewNop())
	require.Nil(t, g.Lookup(context.Background(), "https://example.com"))
}

func TestGate_UnknownDomainMiss(t *testing.T) {
	t.Parallel()
	g := NewGate(memory.NewRecordStore(), fixedClock{now: time.Now()}, Config{}, zap.NewNop())
	require.Nil(t, g.Lookup(context.Background(), "https://nobody.example"))
}

func TestGate_NormalizesDomain(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := memory.NewRecordStore()
	seedCompleted(t, records, "example.com", now.Add(-time.Hour))

	g := NewGate(records, fixedClock{now: now}, Config{}, zap.NewNop())
	require.NotNil(t, g.Lookup(context.Background(), "https://www.example.com/page"))
	require.NotNil(t, g.Lookup(context.Background(), "example.com"))
}

func TestGate_LookupFailureDegradesToMiss(t *testing.T) {
	t.Parallel()
	g := NewGate(failingRecordStore{}, fixedClock{now: time.Now()}, Config{}, zap.NewNop())
	require.Nil(t, g.Lookup(context.Background(), "https://example.com"))
}

func TestGate_InvalidTargetMiss(t *testing.T) {
	t.Parallel()
	g := NewGate(memory.NewRecordStore(), fixedClock{now: time.Now()}, Config{}, zap.NewNop())
	require.Nil(t, g.Lookup(context.Background(), ""))
}
