// Package session implements the process-wide, TTL-bounded registry of
// audit progress sessions.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// Config controls registry TTL and sweep behavior.
type Config struct {
	// TTL is the maximum session age since last touch (default 60m).
	TTL time.Duration
	// SweepInterval is how often expired sessions are evicted (default 10m).
	SweepInterval time.Duration
}

const (
	defaultTTL           = 60 * time.Minute
	defaultSweepInterval = 10 * time.Minute
)

// Registry provides atomic, field-granular merge semantics over an
// injectable SessionStore. All mutation flows through Merge so that
// concurrent writers for the same session never clobber each other's
// fields; the registry serializes read-modify-write cycles internally.
type Registry struct {
	cfg    Config
	store  audit.SessionStore
	clock  audit.Clock
	logger *zap.Logger

	// merges serializes Merge calls; a channel-owned token rather than a
	// mutex so Merge can honor ctx while waiting.
	merges chan struct{}
}

// NewRegistry constructs a Registry over the given store.
func NewRegistry(store audit.SessionStore, clock audit.Clock, cfg Config, logger *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:    cfg,
		store:  store,
		clock:  clock,
		logger: logger,
		merges: make(chan struct{}, 1),
	}
	r.merges <- struct{}{}
	return r
}

// Create inserts the initial session state.
func (r *Registry) Create(ctx context.Context, initial audit.AuditSession) error {
	now := r.clock.Now()
	if initial.CreatedAt.IsZero() {
		initial.CreatedAt = now
	}
	initial.LastTouchedAt = now
	if initial.Status == "" {
		initial.Status = audit.SessionRunning
	}
	if err := r.store.Put(ctx, initial); err != nil {
		return fmt.Errorf("create session %s: %w", initial.ID, err)
	}
	return nil
}

// Get returns the session or audit.ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, id string) (audit.AuditSession, error) {
	sess, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return audit.AuditSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if !ok {
		return audit.AuditSession{}, fmt.Errorf("session %s: %w", id, audit.ErrSessionNotFound)
	}
	return sess, nil
}

// Delete removes the session; deleting an absent session is not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Merge atomically applies the patch over the current session value (or an
// empty one) and stamps LastTouchedAt. Last writer wins per field, never
// per record, so interleaved writers cannot lose each other's fields.
// Progress only moves forward; a stale lower percentage is ignored.
func (r *Registry) Merge(ctx context.Context, id string, patch audit.SessionPatch) (audit.AuditSession, error) {
	select {
	case <-r.merges:
	case <-ctx.Done():
		return audit.AuditSession{}, fmt.Errorf("merge session %s: %w", id, ctx.Err())
	}
	defer func() { r.merges <- struct{}{} }()

	cur, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return audit.AuditSession{}, fmt.Errorf("merge read session %s: %w", id, err)
	}
	if !ok {
		cur = audit.AuditSession{ID: id, Status: audit.SessionRunning, CreatedAt: r.clock.Now()}
	}

	applyPatch(&cur, patch)
	cur.LastTouchedAt = r.clock.Now()

	if err := r.store.Put(ctx, cur); err != nil {
		return audit.AuditSession{}, fmt.Errorf("merge write session %s: %w", id, err)
	}
	return cur, nil
}

func applyPatch(sess *audit.AuditSession, patch audit.SessionPatch) {
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.JobID != nil {
		sess.JobID = *patch.JobID
	}
	if patch.RecordID != nil {
		sess.RecordID = *patch.RecordID
	}
	if patch.ResetProgress != nil {
		sess.Progress = *patch.ResetProgress
	}
	if patch.Progress != nil && *patch.Progress > sess.Progress {
		sess.Progress = *patch.Progress
	}
	if patch.PageCount != nil {
		sess.PageCount = *patch.PageCount
	}
	if patch.TotalPages != nil {
		sess.TotalPages = *patch.TotalPages
	}
	if patch.CurrentURL != nil {
		sess.CurrentURL = *patch.CurrentURL
	}
	if patch.DetailedStatus != nil {
		sess.DetailedStatus = *patch.DetailedStatus
	}
	if patch.Phase != nil {
		sess.Phase = *patch.Phase
	}
	if patch.Message != nil {
		sess.Message = *patch.Message
	}
	if patch.FromCache != nil {
		sess.FromCache = *patch.FromCache
	}
	if patch.Result != nil {
		sess.Result = patch.Result
	}
	if patch.ErrorMessage != nil {
		sess.ErrorMessage = *patch.ErrorMessage
	}
}

// Sweep evicts every session whose LastTouchedAt is older than the TTL.
// Eviction is unconditional; it does not care whether anyone is watching.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep list sessions: %w", err)
	}
	cutoff := r.clock.Now().Add(-r.cfg.TTL)
	evicted := 0
	for _, sess := range sessions {
		if sess.LastTouchedAt.Before(cutoff) {
			if err := r.store.Delete(ctx, sess.ID); err != nil {
				r.logger.Warn("session eviction failed",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
				continue
			}
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("expired sessions evicted", zap.Int("count", evicted))
	}
	return evicted, nil
}

// RunSweeper sweeps once immediately and then on every tick until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Warn("initial session sweep failed", zap.Error(err))
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("session sweep failed", zap.Error(err))
			}
		}
	}
}
