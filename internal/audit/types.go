// Package audit defines core types shared across subsystems.
package audit

import (
	"time"
)

// JobKind identifies which job body the scheduler dispatches to. The set is
// closed; unknown kinds fail permanently.
type JobKind string

// Job kinds known to the scheduler.
const (
	JobKindRunAudit JobKind = "run-audit"
)

// JobStatus represents the lifecycle state of a scheduled job.
type JobStatus string

// Job status values held in the scheduler's job table.
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is the scheduler-internal unit of retryable work backing a session.
// The payload is opaque to the scheduler and owned by the submitter until
// the job body executes.
type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Payload     any       `json:"payload"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the job can never run again.
func (j Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// ReportKind selects the report shape generated from a crawl snapshot.
type ReportKind string

// Supported report kinds.
const (
	ReportSummary  ReportKind = "summary"
	ReportDetailed ReportKind = "detailed"
)

// UserLimits carries per-caller crawl ceilings resolved by the host
// environment (tier/entitlement logic lives outside this service).
type UserLimits struct {
	IsRegistered     bool `json:"is_registered"`
	MaxExternalLinks int  `json:"max_external_links"`
	MaxPagesPerAudit int  `json:"max_pages_per_audit"`
}

// AuditPayload is the run-audit job payload submitted by callers.
type AuditPayload struct {
	TargetURL    string     `json:"target_url"`
	ReportKind   ReportKind `json:"report_kind"`
	PageBudget   int        `json:"page_budget"`
	PriorityHint string     `json:"priority_hint,omitempty"`
	SessionID    string     `json:"session_id"`
	Limits       UserLimits `json:"user_limits"`
}

// SessionStatus is the externally visible state of an audit session.
type SessionStatus string

// Session status values.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// AuditSession is the TTL-bounded progress/result record for one audit
// request. It is mutated only through Registry.Merge; once the status leaves
// running exactly one of Result or ErrorMessage is set.
type AuditSession struct {
	ID             string         `json:"id"`
	Status         SessionStatus  `json:"status"`
	TargetURL      string         `json:"target_url"`
	ReportKind     ReportKind     `json:"report_kind"`
	PageBudget     int            `json:"page_budget"`
	PriorityHint   string         `json:"priority_hint,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	RecordID       string         `json:"record_id,omitempty"`
	Progress       int            `json:"progress"`
	PageCount      int            `json:"page_count"`
	TotalPages     int            `json:"total_pages"`
	CurrentURL     string         `json:"current_url,omitempty"`
	DetailedStatus string         `json:"detailed_status,omitempty"`
	Phase          string         `json:"phase,omitempty"`
	Message        string         `json:"message,omitempty"`
	FromCache      bool           `json:"from_cache,omitempty"`
	Result         *ReportPayload `json:"result,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastTouchedAt  time.Time      `json:"last_touched_at"`
}

// Terminal reports whether the session has reached completed or error.
func (s AuditSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionError
}

// SessionPatch is a field-granular partial update applied by Registry.Merge.
// Nil fields leave the current value untouched.
type SessionPatch struct {
	Status         *SessionStatus
	JobID          *string
	RecordID       *string
	Progress       *int
	// ResetProgress bypasses the monotonic progress gate. Only a
	// restarted run may rewind the bar.
	ResetProgress  *int
	PageCount      *int
	TotalPages     *int
	CurrentURL     *string
	DetailedStatus *string
	Phase          *string
	Message        *string
	FromCache      *bool
	Result         *ReportPayload
	ErrorMessage   *string
}

// PageStats aggregates what the crawl learned about one visited page.
type PageStats struct {
	URL           string `json:"url"`
	StatusCode    int    `json:"status_code"`
	Title         string `json:"title,omitempty"`
	InternalLinks int    `json:"internal_links"`
	ExternalLinks int    `json:"external_links"`
	DurationMs    int64  `json:"duration_ms"`
}

// BrokenRequest records a link whose target failed to resolve.
type BrokenRequest struct {
	URL        string `json:"url"`
	SourceURL  string `json:"source_url"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason,omitempty"`
}

// CrawlState is the loaded-once materialization of a persisted crawl
// snapshot. It is read-only after loading.
type CrawlState struct {
	Domain    string                   `json:"domain"`
	CrawledAt time.Time                `json:"crawled_at"`
	Visited   map[string]struct{}      `json:"visited"`
	Frontier  map[string]struct{}      `json:"frontier"`
	Stats     map[string]PageStats     `json:"stats"`
	Broken    map[string]BrokenRequest `json:"broken"`
	External  map[string][]string      `json:"external"`
	Mailto    map[string][]string      `json:"mailto"`
	Tel       map[string][]string      `json:"tel"`
}

// ReportPayload is the result artifact attached to completed sessions and
// persisted with the durable audit record.
type ReportPayload struct {
	Domain        string          `json:"domain"`
	ReportKind    ReportKind      `json:"report_kind"`
	GeneratedAt   time.Time       `json:"generated_at"`
	PagesCrawled  int             `json:"pages_crawled"`
	FrontierSize  int             `json:"frontier_size"`
	BrokenLinks   int             `json:"broken_links"`
	ExternalLinks int             `json:"external_links"`
	MailtoLinks   int             `json:"mailto_links"`
	TelLinks      int             `json:"tel_links"`
	Pages         []PageStats     `json:"pages,omitempty"`
	Broken        []BrokenRequest `json:"broken,omitempty"`
}

// RunMetrics summarizes one orchestrator run for logging and the API.
type RunMetrics struct {
	PagesCrawled int           `json:"pages_crawled"`
	LoadAttempts int           `json:"load_attempts"`
	Elapsed      time.Duration `json:"elapsed"`
}

// RecordStatus mirrors the audits table status column.
type RecordStatus string

// Audit record statuses persisted by the record store.
const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

// AuditRecord is the durable row created for each audit run; completed
// records double as cache entries for the freshness gate.
type AuditRecord struct {
	ID          string         `json:"id"`
	Domain      string         `json:"domain"`
	TargetURL   string         `json:"target_url"`
	ReportKind  ReportKind     `json:"report_kind"`
	Status      RecordStatus   `json:"status"`
	Report      *ReportPayload `json:"report,omitempty"`
	ErrorText   string         `json:"error_text,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RecordUpdate carries the optional fields applied by UpdateRecordStatus.
type RecordUpdate struct {
	Report      *ReportPayload
	ErrorText   *string
	CompletedAt *time.Time
}

// CrawlPhase labels the structured progress signals a crawler emits.
type CrawlPhase string

// Crawl phases in emission order; external link checking may overlap the
// tail of the crawling phase.
const (
	PhaseStarting      CrawlPhase = "starting"
	PhaseCrawling      CrawlPhase = "crawling"
	PhaseExternalLinks CrawlPhase = "external-links"
	PhaseFinalizing    CrawlPhase = "finalizing"
	PhaseDone          CrawlPhase = "done"
)

// ProgressSignal is one structured progress event from the crawler.
// Fraction is the 0..1 completion estimate within the current phase.
type ProgressSignal struct {
	Phase      CrawlPhase
	Message    string
	Fraction   float64
	CurrentURL string
	PageCount  int
	TotalPages int
}

// CrawlRequest captures everything the crawler collaborator needs.
type CrawlRequest struct {
	TargetURL        string
	Domain           string
	PageBudget       int
	MaxExternalLinks int
}
