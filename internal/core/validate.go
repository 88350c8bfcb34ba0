package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Valid reports whether the side is a recognized value.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Valid reports whether the order type is a recognized value.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// Valid reports whether the time in force is a recognized value.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC:
		return true
	}
	return false
}

// Valid reports whether the asset class is a recognized value.
func (a AssetClass) Valid() bool {
	switch a {
	case AssetClassEquity, AssetClassOption, AssetClassForex, AssetClassCrypto, AssetClassFuture:
		return true
	}
	return false
}

// Valid reports whether the trading mode is a recognized value.
func (m TradingMode) Valid() bool {
	switch m {
	case ModeShadow, ModePaper, ModeLive:
		return true
	}
	return false
}

// ValidateIntent rejects structurally invalid intents at ingress. Identity
// fields are mandatory, quantities must be positive, and a limit price is
// required exactly for limit-like order types.
func ValidateIntent(intent *OrderIntent) error {
	if intent == nil {
		return fmt.Errorf("intent is nil")
	}
	if intent.IntentID == "" {
		return fmt.Errorf("intent_id is required")
	}
	if intent.TenantID == "" {
		return fmt.Errorf("intent %s: tenant_id is required", intent.IntentID)
	}
	if intent.UserID == "" {
		return fmt.Errorf("intent %s: user_id is required", intent.IntentID)
	}
	if intent.Symbol == "" {
		return fmt.Errorf("intent %s: symbol is required", intent.IntentID)
	}
	if !intent.Side.Valid() {
		return fmt.Errorf("intent %s: invalid side %q", intent.IntentID, intent.Side)
	}
	if !intent.OrderType.Valid() {
		return fmt.Errorf("intent %s: invalid order_type %q", intent.IntentID, intent.OrderType)
	}
	if !intent.TimeInForce.Valid() {
		return fmt.Errorf("intent %s: invalid time_in_force %q", intent.IntentID, intent.TimeInForce)
	}
	if !intent.AssetClass.Valid() {
		return fmt.Errorf("intent %s: invalid asset_class %q", intent.IntentID, intent.AssetClass)
	}
	if !intent.Qty.IsPositive() {
		return fmt.Errorf("intent %s: qty must be positive, got %s", intent.IntentID, intent.Qty)
	}
	if intent.OrderType.IsLimitLike() {
		if !intent.LimitPrice.IsPositive() {
			return fmt.Errorf("intent %s: %s orders require a positive limit_price", intent.IntentID, intent.OrderType)
		}
	} else if !intent.LimitPrice.IsZero() {
		return fmt.Errorf("intent %s: %s orders must not carry a limit_price", intent.IntentID, intent.OrderType)
	}
	return nil
}

// MaxSlippageOverride returns the per-intent spread threshold override from
// advisory metadata. Unparseable or nonpositive values are ignored so the
// caller falls through to the configured threshold.
func (i *OrderIntent) MaxSlippageOverride() (decimal.Decimal, bool) {
	raw, ok := i.Metadata[MetaMaxSlippagePct]
	if !ok || raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}
