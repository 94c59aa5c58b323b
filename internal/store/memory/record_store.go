// Package memory provides an in-memory RecordStore for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// RecordStore keeps audit records in a map.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]audit.AuditRecord
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]audit.AuditRecord)}
}

// CreateRecord stores a new audit record, assigning an ID when absent.
func (s *RecordStore) CreateRecord(_ context.Context, record audit.AuditRecord) (audit.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := s.records[record.ID]; exists {
		return audit.AuditRecord{}, fmt.Errorf("record %s already exists", record.ID)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = audit.RecordPending
	}
	s.records[record.ID] = record
	return record, nil
}

// UpdateRecordStatus applies the status change and any optional fields.
func (s *RecordStore) UpdateRecordStatus(
	_ context.Context,
	id string,
	status audit.RecordStatus,
	update audit.RecordUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, audit.ErrRecordNotFound)
	}
	record.Status = status
	if update.Report != nil {
		record.Report = update.Report
	}
	if update.ErrorText != nil {
		record.ErrorText = *update.ErrorText
	}
	if update.CompletedAt != nil {
		record.CompletedAt = update.CompletedAt
	}
	s.records[id] = record
	return nil
}

// FindMostRecentCompletedByDomain returns the newest completed record for
// the domain or audit.ErrRecordNotFound.
func (s *RecordStore) FindMostRecentCompletedByDomain(_ context.Context, domain string) (audit.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best audit.AuditRecord
	found := false
	for _, record := range s.records {
		if record.Domain != domain || record.Status != audit.RecordCompleted || record.CompletedAt == nil {
			continue
		}
		if !found || record.CompletedAt.After(*best.CompletedAt) {
			best = record
			found = true
		}
	}
	if !found {
		return audit.AuditRecord{}, fmt.Errorf("domain %s: %w", domain, audit.ErrRecordNotFound)
	}
	return best, nil
}

// Get fetches a record by ID (used by tests).
func (s *RecordStore) Get(_ context.Context, id string) (audit.AuditRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	return record, ok
}
