// Package ledger implements the tenant-scoped append-only fill store backed
// by sqlite, with a best-effort per-user portfolio mirror.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"exec_agent/internal/core"
	apperrors "exec_agent/pkg/errors"
	"exec_agent/pkg/telemetry"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_trades (
	tenant_id       TEXT NOT NULL,
	fill_id         TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	intent_id       TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	price           TEXT NOT NULL,
	asset_class     TEXT NOT NULL,
	fill_seq        INTEGER NOT NULL,
	ts              INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, fill_id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_trades_order
	ON ledger_trades (tenant_id, broker_order_id, fill_seq);

CREATE TABLE IF NOT EXISTS portfolio_history (
	user_id         TEXT NOT NULL,
	fill_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	price           TEXT NOT NULL,
	asset_class     TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	PRIMARY KEY (user_id, fill_id)
);
`

// mirrorEntry queues one portfolio write for the background mirror.
type mirrorEntry struct {
	userID   string
	tenantID string
	fill     core.FillEvent
}

// SQLiteLedger is the durable fill ledger. Appends are idempotent on
// (tenant_id, fill_id): replays return ErrLedgerConflict and change nothing.
// Portfolio mirror writes run on a background goroutine and are dropped,
// never blocked on, when the queue is full.
type SQLiteLedger struct {
	db     *sql.DB
	logger core.ILogger

	mirrorCh  chan mirrorEntry
	mirrorWG  sync.WaitGroup
	closeOnce sync.Once

	fillCounter   metric.Int64Counter
	volumeCounter metric.Float64Counter
}

// NewSQLiteLedger opens (or creates) the ledger tables at dbPath. WAL mode
// keeps appends durable across crashes.
func NewSQLiteLedger(dbPath string, logger core.ILogger) (*SQLiteLedger, error) {
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
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	meter := telemetry.GetMeter("ledger")
	fillCounter, _ := meter.Int64Counter(telemetry.MetricFillsRecordedTotal,
		metric.WithDescription("Total fill events appended to the ledger"))
	volumeCounter, _ := meter.Float64Counter(telemetry.MetricFillVolumeTotal,
		metric.WithDescription("Total filled quantity"))

	l := &SQLiteLedger{
		db:            db,
		logger:        logger.WithField("component", "ledger"),
		mirrorCh:      make(chan mirrorEntry, 1024),
		fillCounter:   fillCounter,
		volumeCounter: volumeCounter,
	}

	l.mirrorWG.Add(1)
	go l.mirrorLoop()

	return l, nil
}

// Append writes one fill. A replay of a known (tenant_id, fill_id) returns
// ErrLedgerConflict, which callers treat as benign.
func (l *SQLiteLedger) Append(ctx context.Context, tenantID, userID string, fill *core.FillEvent) error {
	if tenantID == "" || fill == nil || fill.FillID == "" {
		return fmt.Errorf("ledger append requires tenant_id and fill_id")
	}
	if !fill.Qty.IsPositive() {
		return fmt.Errorf("fill %s: qty must be positive, got %s", fill.FillID, fill.Qty)
	}

	const query = `INSERT INTO ledger_trades
		(tenant_id, fill_id, broker_order_id, intent_id, symbol, side, qty, price, asset_class, fill_seq, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, query,
		tenantID, fill.FillID, fill.BrokerOrderID, fill.IntentID,
		fill.Symbol, string(fill.Side), fill.Qty.String(), fill.Price.String(),
		string(fill.AssetClass), fill.FillSeq, fill.Timestamp.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			l.logger.Debug("Duplicate fill append ignored",
				"tenant_id", tenantID, "fill_id", fill.FillID)
			return apperrors.ErrLedgerConflict
		}
		return fmt.Errorf("failed to append fill: %w", err)
	}

	l.fillCounter.Add(ctx, 1)
	vol, _ := fill.Qty.Float64()
	l.volumeCounter.Add(ctx, vol)

	l.enqueueMirror(userID, tenantID, *fill)
	return nil
}

// enqueueMirror hands the fill to the background mirror without blocking.
func (l *SQLiteLedger) enqueueMirror(userID, tenantID string, fill core.FillEvent) {
	if userID == "" {
		return
	}
	select {
	case l.mirrorCh <- mirrorEntry{userID: userID, tenantID: tenantID, fill: fill}:
	default:
		l.logger.Warn("Portfolio mirror queue full, dropping entry",
			"user_id", userID, "fill_id", fill.FillID)
	}
}

func (l *SQLiteLedger) mirrorLoop() {
	defer l.mirrorWG.Done()

	for entry := range l.mirrorCh {
		const query = `INSERT OR IGNORE INTO portfolio_history
			(user_id, fill_id, tenant_id, broker_order_id, symbol, side, qty, price, asset_class, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := l.db.Exec(query,
			entry.userID, entry.fill.FillID, entry.tenantID, entry.fill.BrokerOrderID,
			entry.fill.Symbol, string(entry.fill.Side), entry.fill.Qty.String(),
			entry.fill.Price.String(), string(entry.fill.AssetClass), entry.fill.Timestamp.UnixNano())
		if err != nil {
			// Best effort only. The primary append already committed.
			l.logger.Warn("Portfolio mirror write failed",
				"user_id", entry.userID, "fill_id", entry.fill.FillID, "error", err.Error())
		}
	}
}

// ListFills returns every fill for a tenant ordered by append time.
func (l *SQLiteLedger) ListFills(ctx context.Context, tenantID string) ([]*core.FillEvent, error) {
	const query = `SELECT fill_id, broker_order_id, intent_id, symbol, side, qty, price, asset_class, fill_seq, ts
		FROM ledger_trades WHERE tenant_id = ? ORDER BY ts, fill_seq`
	return l.queryFills(ctx, query, tenantID)
}

// ListFillsByOrder streams one broker order's fills in monotonic fill_seq.
func (l *SQLiteLedger) ListFillsByOrder(ctx context.Context, tenantID, brokerOrderID string) ([]*core.FillEvent, error) {
	const query = `SELECT fill_id, broker_order_id, intent_id, symbol, side, qty, price, asset_class, fill_seq, ts
		FROM ledger_trades WHERE tenant_id = ? AND broker_order_id = ? ORDER BY fill_seq`
	return l.queryFills(ctx, query, tenantID, brokerOrderID)
}

// PortfolioHistory returns the per-user mirror rows for tax/UX consumers.
func (l *SQLiteLedger) PortfolioHistory(ctx context.Context, userID string) ([]*core.FillEvent, error) {
	const query = `SELECT fill_id, broker_order_id, '' AS intent_id, symbol, side, qty, price, asset_class, 0 AS fill_seq, ts
		FROM portfolio_history WHERE user_id = ? ORDER BY ts`
	return l.queryFills(ctx, query, userID)
}

func (l *SQLiteLedger) queryFills(ctx context.Context, query string, args ...interface{}) ([]*core.FillEvent, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []*core.FillEvent
	for rows.Next() {
		var (
			fill     core.FillEvent
			side     string
			qty      string
			price    string
			class    string
			tsNanos  int64
		)
		if err := rows.Scan(&fill.FillID, &fill.BrokerOrderID, &fill.IntentID,
			&fill.Symbol, &side, &qty, &price, &class, &fill.FillSeq, &tsNanos); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		fill.Side = core.Side(side)
		fill.AssetClass = core.AssetClass(class)
		fill.Timestamp = time.Unix(0, tsNanos)
		if fill.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("fill %s: corrupt qty %q", fill.FillID, qty)
		}
		if fill.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill %s: corrupt price %q", fill.FillID, price)
		}
		fills = append(fills, &fill)
	}
	return fills, rows.Err()
}

// Close drains the mirror queue and closes the database.
func (l *SQLiteLedger) Close() error {
	l.closeOnce.Do(func() {
		close(l.mirrorCh)
	})
	l.mirrorWG.Wait()
	return l.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
