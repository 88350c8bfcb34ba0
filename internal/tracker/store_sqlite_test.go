package tracker

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"exec_agent/internal/core"
	"exec_agent/internal/logging"
	apperrors "exec_agent/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tracker.db"),
		logging.NewLogger(logging.ErrorLevel, io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(tenantID, intentID string, status core.LifecycleState) *core.ExecutionOrderRecord {
	now := time.Now()
	return &core.ExecutionOrderRecord{
		TenantID:         tenantID,
		IntentID:         intentID,
		BrokerOrderID:    "bo-" + intentID,
		StatusRaw:        "accepted",
		Status:           status,
		AssetClass:       core.AssetClassEquity,
		CreatedAt:        now,
		LastBrokerSyncAt: now,
		FilledQtySeen:    decimal.Zero,
		Intent: core.IntentSnapshot{
			Symbol:      "AAPL",
			Side:        core.SideBuy,
			Qty:         decimal.NewFromInt(10),
			OrderType:   core.OrderTypeLimit,
			TimeInForce: core.TimeInForceDay,
			LimitPrice:  decimal.NewFromFloat(150),
			UserID:      "u1",
		},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("t1", "i1", core.StateAccepted)
	require.NoError(t, s.Create(ctx, rec))

	loaded, err := s.Get(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, rec.BrokerOrderID, loaded.BrokerOrderID)
	assert.Equal(t, core.StateAccepted, loaded.Status)
	assert.True(t, loaded.Intent.Qty.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "u1", loaded.Intent.UserID)
	assert.WithinDuration(t, rec.CreatedAt, loaded.CreatedAt, time.Millisecond)
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("t1", "i1", core.StateAccepted)))
	assert.Error(t, s.Create(ctx, testRecord("t1", "i1", core.StateAccepted)))

	// Same intent id under a different tenant is a distinct key.
	assert.NoError(t, s.Create(ctx, testRecord("t2", "i1", core.StateAccepted)))
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpdatePersistsMutableFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("t1", "i1", core.StateAccepted)
	require.NoError(t, s.Create(ctx, rec))

	rec.Status = core.StatePartiallyFilled
	rec.StatusRaw = "partially_filled"
	rec.FilledQtySeen = decimal.NewFromInt(4)
	rec.NextFillSeq = 1
	rec.LastBrokerSyncAt = time.Now().Add(time.Minute)
	require.NoError(t, s.Update(ctx, rec))

	loaded, err := s.Get(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, core.StatePartiallyFilled, loaded.Status)
	assert.True(t, loaded.FilledQtySeen.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int64(1), loaded.NextFillSeq)
}

func TestUpdateMissingRecord(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), testRecord("t1", "ghost", core.StateAccepted))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListOpenFiltersTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("t1", "i-open", core.StateAccepted)))
	require.NoError(t, s.Create(ctx, testRecord("t1", "i-partial", core.StatePartiallyFilled)))
	require.NoError(t, s.Create(ctx, testRecord("t1", "i-filled", core.StateFilled)))
	require.NoError(t, s.Create(ctx, testRecord("t2", "i-other", core.StateAccepted)))
	require.NoError(t, s.Create(ctx, testRecord("t2", "i-rejected", core.StateRejected)))

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	openT1, err := s.ListOpenByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, openT1, 2)
	for _, rec := range openT1 {
		assert.Equal(t, "t1", rec.TenantID)
	}
}
