package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() *OrderIntent {
	return &OrderIntent{
		IntentID:    "intent-1",
		StrategyID:  "momentum",
		TenantID:    "tenant-a",
		UserID:      "user-1",
		Symbol:      "AAPL",
		Side:        SideBuy,
		Qty:         decimal.NewFromInt(10),
		OrderType:   OrderTypeMarket,
		TimeInForce: TimeInForceDay,
		AssetClass:  AssetClassEquity,
	}
}

func TestValidateIntent(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(i *OrderIntent)
		expectErr bool
	}{
		{
			name:      "valid market intent",
			mutate:    func(i *OrderIntent) {},
			expectErr: false,
		},
		{
			name: "valid limit intent",
			mutate: func(i *OrderIntent) {
				i.OrderType = OrderTypeLimit
				i.LimitPrice = decimal.NewFromFloat(182.50)
			},
			expectErr: false,
		},
		{
			name: "valid stop limit intent",
			mutate: func(i *OrderIntent) {
				i.OrderType = OrderTypeStopLimit
				i.LimitPrice = decimal.NewFromFloat(180.00)
			},
			expectErr: false,
		},
		{
			name:      "missing intent id",
			mutate:    func(i *OrderIntent) { i.IntentID = "" },
			expectErr: true,
		},
		{
			name:      "missing tenant id",
			mutate:    func(i *OrderIntent) { i.TenantID = "" },
			expectErr: true,
		},
		{
			name:      "missing user id",
			mutate:    func(i *OrderIntent) { i.UserID = "" },
			expectErr: true,
		},
		{
			name:      "missing symbol",
			mutate:    func(i *OrderIntent) { i.Symbol = "" },
			expectErr: true,
		},
		{
			name:      "invalid side",
			mutate:    func(i *OrderIntent) { i.Side = "HOLD" },
			expectErr: true,
		},
		{
			name:      "invalid order type",
			mutate:    func(i *OrderIntent) { i.OrderType = "TRAILING_STOP" },
			expectErr: true,
		},
		{
			name:      "invalid time in force",
			mutate:    func(i *OrderIntent) { i.TimeInForce = "FOK" },
			expectErr: true,
		},
		{
			name:      "invalid asset class",
			mutate:    func(i *OrderIntent) { i.AssetClass = "BOND" },
			expectErr: true,
		},
		{
			name:      "zero qty",
			mutate:    func(i *OrderIntent) { i.Qty = decimal.Zero },
			expectErr: true,
		},
		{
			name:      "negative qty",
			mutate:    func(i *OrderIntent) { i.Qty = decimal.NewFromInt(-5) },
			expectErr: true,
		},
		{
			name: "limit order without limit price",
			mutate: func(i *OrderIntent) {
				i.OrderType = OrderTypeLimit
			},
			expectErr: true,
		},
		{
			name: "stop limit order without limit price",
			mutate: func(i *OrderIntent) {
				i.OrderType = OrderTypeStopLimit
			},
			expectErr: true,
		},
		{
			name: "market order with limit price",
			mutate: func(i *OrderIntent) {
				i.LimitPrice = decimal.NewFromFloat(182.50)
			},
			expectErr: true,
		},
		{
			name: "stop order with limit price",
			mutate: func(i *OrderIntent) {
				i.OrderType = OrderTypeStop
				i.LimitPrice = decimal.NewFromFloat(182.50)
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			tt.mutate(intent)
			err := ValidateIntent(intent)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateIntent_Nil(t *testing.T) {
	assert.Error(t, ValidateIntent(nil))
}

func TestMaxSlippageOverride(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     string
		wantOK   bool
	}{
		{"absent metadata", nil, "0", false},
		{"absent key", map[string]string{MetaReasoning: "vol spike"}, "0", false},
		{"valid override", map[string]string{MetaMaxSlippagePct: "0.003"}, "0.003", true},
		{"unparseable override ignored", map[string]string{MetaMaxSlippagePct: "loose"}, "0", false},
		{"zero override ignored", map[string]string{MetaMaxSlippagePct: "0"}, "0", false},
		{"negative override ignored", map[string]string{MetaMaxSlippagePct: "-0.01"}, "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			intent.Metadata = tt.metadata
			got, ok := intent.MaxSlippageOverride()
			assert.Equal(t, tt.wantOK, ok)
			want, err := decimal.NewFromString(tt.want)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "want %s got %s", want, got)
		})
	}
}
