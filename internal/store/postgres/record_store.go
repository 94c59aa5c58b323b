// Package postgres provides the Postgres-backed audit record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitevitals/siteaudit/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStore persists audit records in an audits table with a JSONB
// report payload column.
type RecordStore struct {
	pool  pgxConn
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided
// config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "audits"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool
// (primarily for testing with pgxmock).
func NewRecordStoreWithPool(pool pgxConn, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audits"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRecord inserts a new audit record row.
func (s *RecordStore) CreateRecord(ctx context.Context, record audit.AuditRecord) (audit.AuditRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = audit.RecordPending
	}
	reportJSON, err := marshalReport(record.Report)
	if err != nil {
		return audit.AuditRecord{}, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, domain, target_url, report_kind, status, report, error_text, created_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.table)
	args := []any{
		record.ID,
		record.Domain,
		record.TargetURL,
		string(record.ReportKind),
		string(record.Status),
		reportJSON,
		record.ErrorText,
		record.CreatedAt,
		record.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return audit.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	return record, nil
}

// UpdateRecordStatus applies a status transition plus any optional fields;
// nil update fields leave the stored values untouched.
func (s *RecordStore) UpdateRecordStatus(
	ctx context.Context,
	id string,
	status audit.RecordStatus,
	update audit.RecordUpdate,
) error {
	reportJSON, err := marshalReport(update.Report)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	report = COALESCE($3, report),
	error_text = COALESCE($4, error_text),
	completed_at = COALESCE($5, completed_at)
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, string(status), reportJSON, update.ErrorText, update.CompletedAt)
	if err != nil {
		return fmt.Errorf("update audit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, audit.ErrRecordNotFound)
	}
	return nil
}

// FindMostRecentCompletedByDomain loads the newest completed record for
// the domain, used by the result cache gate.
func (s *RecordStore) FindMostRecentCompletedByDomain(ctx context.Context, domain string) (audit.AuditRecord, error) {
	query := fmt.Sprintf(`
SELECT id, domain, target_url, report_kind, status, report, error_text, created_at, completed_at
FROM %s
WHERE domain = $1 AND status = $2
ORDER BY completed_at DESC
LIMIT 1`, s.table)

	var (
		record     audit.AuditRecord
		reportKind string
		status     string
		reportJSON []byte
	)
	row := s.pool.QueryRow(ctx, query, domain, string(audit.RecordCompleted))
	err := row.Scan(
		&record.ID,
		&record.Domain,
		&record.TargetURL,
		&reportKind,
		&status,
		&reportJSON,
		&record.ErrorText,
		&record.CreatedAt,
		&record.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.AuditRecord{}, fmt.Errorf("domain %s: %w", domain, audit.ErrRecordNotFound)
		}
		return audit.AuditRecord{}, fmt.Errorf("query audit record: %w", err)
	}
	record.ReportKind = audit.ReportKind(reportKind)
	record.Status = audit.RecordStatus(status)
	if len(reportJSON) > 0 {
		var report audit.ReportPayload
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return audit.AuditRecord{}, fmt.Errorf("unmarshal report payload: %w", err)
		}
		record.Report = &report
	}
	return record, nil
}

func marshalReport(report *audit.ReportPayload) ([]byte, error) {
	if report == nil {
		return nil, nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report payload: %w", err)
	}
	return data, nil
}
