// Package tracker persists one ExecutionOrderRecord per (tenant_id,
// intent_id) and drives the poll/timeout/reconcile recovery loop over the
// open ones.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"exec_agent/internal/core"
	apperrors "exec_agent/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_orders (
	tenant_id        TEXT NOT NULL,
	intent_id        TEXT NOT NULL,
	broker_order_id  TEXT NOT NULL,
	status_raw       TEXT NOT NULL,
	status_norm      TEXT NOT NULL,
	asset_class      TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	last_sync_at     INTEGER NOT NULL,
	filled_qty_seen  TEXT NOT NULL,
	next_fill_seq    INTEGER NOT NULL,
	intent_snapshot  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, intent_id)
);
CREATE INDEX IF NOT EXISTS idx_execution_orders_status
	ON execution_orders (status_norm, tenant_id);
`

var openStates = []string{
	string(core.StateNew),
	string(core.StateAccepted),
	string(core.StatePartiallyFilled),
	string(core.StateUnknown),
}

// SQLiteStore is the durable tracker store. Records are inserted once on
// submission and updated in place afterwards; nothing ever deletes them.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteStore opens (or creates) the execution_orders table at dbPath.
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create tracker schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "tracker_store"),
	}, nil
}

// Create inserts a new record. A second insert for the same key fails; the
// engine serializes submissions per intent id and checks Get first.
func (s *SQLiteStore) Create(ctx context.Context, rec *core.ExecutionOrderRecord) error {
	snapshot, err := json.Marshal(rec.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent snapshot: %w", err)
	}

	const query = `INSERT INTO execution_orders
		(tenant_id, intent_id, broker_order_id, status_raw, status_norm, asset_class,
		 created_at, last_sync_at, filled_qty_seen, next_fill_seq, intent_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.TenantID, rec.IntentID, rec.BrokerOrderID, rec.StatusRaw, string(rec.Status),
		string(rec.AssetClass), rec.CreatedAt.UnixNano(), rec.LastBrokerSyncAt.UnixNano(),
		rec.FilledQtySeen.String(), rec.NextFillSeq, string(snapshot))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("record for (%s, %s) already exists", rec.TenantID, rec.IntentID)
		}
		return fmt.Errorf("failed to create tracker record: %w", err)
	}
	return nil
}

// Get loads one record, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, intentID string) (*core.ExecutionOrderRecord, error) {
	const query = `SELECT tenant_id, intent_id, broker_order_id, status_raw, status_norm, asset_class,
		created_at, last_sync_at, filled_qty_seen, next_fill_seq, intent_snapshot
		FROM execution_orders WHERE tenant_id = ? AND intent_id = ?`
	rec, err := s.scanOne(s.db.QueryRowContext(ctx, query, tenantID, intentID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	return rec, err
}

// Update persists the mutable fields of an existing record.
func (s *SQLiteStore) Update(ctx context.Context, rec *core.ExecutionOrderRecord) error {
	const query = `UPDATE execution_orders SET
		broker_order_id = ?, status_raw = ?, status_norm = ?,
		last_sync_at = ?, filled_qty_seen = ?, next_fill_seq = ?
		WHERE tenant_id = ? AND intent_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		rec.BrokerOrderID, rec.StatusRaw, string(rec.Status),
		rec.LastBrokerSyncAt.UnixNano(), rec.FilledQtySeen.String(), rec.NextFillSeq,
		rec.TenantID, rec.IntentID)
	if err != nil {
		return fmt.Errorf("failed to update tracker record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ListOpen returns every record in a non-terminal state, oldest first.
func (s *SQLiteStore) ListOpen(ctx context.Context) ([]*core.ExecutionOrderRecord, error) {
	query := fmt.Sprintf(`SELECT tenant_id, intent_id, broker_order_id, status_raw, status_norm, asset_class,
		created_at, last_sync_at, filled_qty_seen, next_fill_seq, intent_snapshot
		FROM execution_orders WHERE status_norm IN (%s) ORDER BY created_at`, placeholders(len(openStates)))
	return s.queryRecords(ctx, query, openArgs()...)
}

// ListOpenByTenant restricts ListOpen to one tenant.
func (s *SQLiteStore) ListOpenByTenant(ctx context.Context, tenantID string) ([]*core.ExecutionOrderRecord, error) {
	query := fmt.Sprintf(`SELECT tenant_id, intent_id, broker_order_id, status_raw, status_norm, asset_class,
		created_at, last_sync_at, filled_qty_seen, next_fill_seq, intent_snapshot
		FROM execution_orders WHERE tenant_id = ? AND status_norm IN (%s) ORDER BY created_at`, placeholders(len(openStates)))
	args := append([]interface{}{tenantID}, openArgs()...)
	return s.queryRecords(ctx, query, args...)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanOne(row rowScanner) (*core.ExecutionOrderRecord, error) {
	var (
		rec       core.ExecutionOrderRecord
		status    string
		class     string
		createdNs int64
		syncNs    int64
		seenQty   string
		snapshot  string
	)
	err := row.Scan(&rec.TenantID, &rec.IntentID, &rec.BrokerOrderID, &rec.StatusRaw, &status,
		&class, &createdNs, &syncNs, &seenQty, &rec.NextFillSeq, &snapshot)
	if err != nil {
		return nil, err
	}

	rec.Status = core.LifecycleState(status)
	rec.AssetClass = core.AssetClass(class)
	rec.CreatedAt = time.Unix(0, createdNs)
	rec.LastBrokerSyncAt = time.Unix(0, syncNs)
	if rec.FilledQtySeen, err = decimal.NewFromString(seenQty); err != nil {
		return nil, fmt.Errorf("record (%s, %s): corrupt filled_qty_seen %q", rec.TenantID, rec.IntentID, seenQty)
	}
	if err := json.Unmarshal([]byte(snapshot), &rec.Intent); err != nil {
		return nil, fmt.Errorf("record (%s, %s): corrupt intent snapshot: %w", rec.TenantID, rec.IntentID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*core.ExecutionOrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracker records: %w", err)
	}
	defer rows.Close()

	var records []*core.ExecutionOrderRecord
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func openArgs() []interface{} {
	args := make([]interface{}, len(openStates))
	for i, s := range openStates {
		args[i] = s
	}
	return args
}
