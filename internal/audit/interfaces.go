package audit

import (
	"context"
	"time"
)

// SessionStore persists audit sessions for the progress registry. Merge
// atomicity is the registry's concern; stores only need Put/Get/Delete/List.
type SessionStore interface {
	Put(ctx context.Context, session AuditSession) error
	Get(ctx context.Context, id string) (AuditSession, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]AuditSession, error)
}

// RecordStore is the durable audit record interface. Completed records are
// read back by the result cache gate.
type RecordStore interface {
	CreateRecord(ctx context.Context, record AuditRecord) (AuditRecord, error)
	UpdateRecordStatus(ctx context.Context, id string, status RecordStatus, update RecordUpdate) error
	FindMostRecentCompletedByDomain(ctx context.Context, domain string) (AuditRecord, error)
}

// Crawler drives a site crawl and reports structured progress on the
// signals channel. Implementations must close nothing they do not own,
// honor ctx cancellation at page boundaries, and always send a final
// PhaseDone signal on success. Cleanup releases lingering network
// resources and must be idempotent.
type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest, signals chan<- ProgressSignal) error
	Cleanup()
}

// StateLoader reconstructs the persisted crawl snapshot for a domain.
type StateLoader interface {
	Load(ctx context.Context, domain string) (*CrawlState, error)
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
