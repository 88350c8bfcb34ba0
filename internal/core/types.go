package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the broker order type. Stop orders execute as market orders
// once triggered, so the timeout tables bucket them with MARKET.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// IsLimitLike reports whether the order type carries a limit price.
func (t OrderType) IsLimitLike() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// TimeInForce controls how long an order rests at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// AssetClass partitions instruments for routing thresholds and timeouts.
type AssetClass string

const (
	AssetClassEquity AssetClass = "EQUITY"
	AssetClassOption AssetClass = "OPTION"
	AssetClassForex  AssetClass = "FOREX"
	AssetClassCrypto AssetClass = "CRYPTO"
	AssetClassFuture AssetClass = "FUTURE"
)

// LifecycleState is the canonical order state. StateUnknown is a
// normalization result for unrecognized broker statuses; it is never
// terminal and never a valid transition target.
type LifecycleState string

const (
	StateNew             LifecycleState = "NEW"
	StateAccepted        LifecycleState = "ACCEPTED"
	StatePartiallyFilled LifecycleState = "PARTIALLY_FILLED"
	StateFilled          LifecycleState = "FILLED"
	StateCancelled       LifecycleState = "CANCELLED"
	StateRejected        LifecycleState = "REJECTED"
	StateExpired         LifecycleState = "EXPIRED"
	StateUnknown         LifecycleState = "UNKNOWN"
)

// Terminal reports whether the state admits no further transitions.
// UNKNOWN is never terminal.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

// TradingMode is the declared operational mode of the process.
type TradingMode string

const (
	ModeShadow TradingMode = "SHADOW"
	ModePaper  TradingMode = "PAPER"
	ModeLive   TradingMode = "LIVE"
)

// URLClass classifies the configured broker endpoint.
type URLClass string

const (
	URLClassPaper   URLClass = "paper"
	URLClassLive    URLClass = "live"
	URLClassUnknown URLClass = "unknown"
)

// Gate denial reason codes, surfaced verbatim to callers.
const (
	DenyHalted          = "HALTED"
	DenyModeURLMismatch = "MODE_URL_MISMATCH"
	DenyGuardLocked     = "GUARD_LOCKED"
	DenyTokenMissing    = "TOKEN_MISSING"
	DenyUserDisabled    = "USER_DISABLED"
)

// Advisory metadata keys recognized on an OrderIntent.
const (
	MetaReasoning      = "reasoning"
	MetaMaxSlippagePct = "max_slippage_pct"
)

// OrderIntent is a desired order produced outside the core. IntentID is the
// idempotency key end to end: retries must reuse it. Identity fields
// (tenant, user, strategy) are first class and validated at ingress;
// Metadata carries advisory hints only.
type OrderIntent struct {
	IntentID    string            `json:"intent_id"`
	StrategyID  string            `json:"strategy_id"`
	TenantID    string            `json:"tenant_id"`
	UserID      string            `json:"user_id"`
	Symbol      string            `json:"symbol"`
	Side        Side              `json:"side"`
	Qty         decimal.Decimal   `json:"qty"`
	OrderType   OrderType         `json:"order_type"`
	TimeInForce TimeInForce       `json:"time_in_force"`
	AssetClass  AssetClass        `json:"asset_class"`
	LimitPrice  decimal.Decimal   `json:"limit_price,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IntentSnapshot is the minimal subset of an intent persisted with the
// tracker record for replay-safe reconciliation.
type IntentSnapshot struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	OrderType   OrderType       `json:"order_type"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	UserID      string          `json:"user_id"`
	StrategyID  string          `json:"strategy_id"`
}

// Snapshot extracts the persisted subset of an intent.
func (i *OrderIntent) Snapshot() IntentSnapshot {
	return IntentSnapshot{
		Symbol:      i.Symbol,
		Side:        i.Side,
		Qty:         i.Qty,
		OrderType:   i.OrderType,
		TimeInForce: i.TimeInForce,
		LimitPrice:  i.LimitPrice,
		UserID:      i.UserID,
		StrategyID:  i.StrategyID,
	}
}

// ExecutionOrderRecord is the tracker's durable unit, keyed by
// (tenant_id, intent_id). Records are created on successful submission and
// mutated by polls and cancels; they are never deleted.
type ExecutionOrderRecord struct {
	TenantID         string          `json:"tenant_id"`
	IntentID         string          `json:"intent_id"`
	BrokerOrderID    string          `json:"broker_order_id"`
	StatusRaw        string          `json:"status_raw"`
	Status           LifecycleState  `json:"status_norm"`
	AssetClass       AssetClass      `json:"asset_class"`
	CreatedAt        time.Time       `json:"created_at"`
	LastBrokerSyncAt time.Time       `json:"last_broker_sync_at"`
	FilledQtySeen    decimal.Decimal `json:"filled_qty_seen"`
	NextFillSeq      int64           `json:"next_fill_seq"`
	Intent           IntentSnapshot  `json:"intent_snapshot"`
}

// FillEvent is one incremental execution of a broker order. FillID is
// derived from (broker_order_id, fill_seq) and dedupes replays.
type FillEvent struct {
	FillID        string          `json:"fill_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	IntentID      string          `json:"intent_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	AssetClass    AssetClass      `json:"asset_class"`
	FillSeq       int64           `json:"fill_seq"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Quote is a top-of-book snapshot consumed by smart routing. Never persisted.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Mid    decimal.Decimal `json:"mid"`
	Ts     time.Time       `json:"ts"`
}

// SpreadPct returns (ask-bid)/mid, or zero when the quote is degenerate.
func (q Quote) SpreadPct() decimal.Decimal {
	if q.Mid.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(q.Mid)
}

// PlaceAck is the broker's acknowledgement of a submission.
type PlaceAck struct {
	BrokerOrderID string         `json:"broker_order_id"`
	StatusRaw     string         `json:"status_raw"`
	Status        LifecycleState `json:"status_norm"`
}

// BrokerFill is a broker-reported execution detail. Advisory: reconciliation
// derives deltas from the cumulative fields, fills feed timestamps and logs.
type BrokerFill struct {
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderSnapshot is the broker's view of an order at poll time. FilledQty is
// cumulative; AvgFillPrice is the volume-weighted average across all fills.
type OrderSnapshot struct {
	BrokerOrderID string          `json:"broker_order_id"`
	StatusRaw     string          `json:"status_raw"`
	Status        LifecycleState  `json:"status_norm"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Fills         []BrokerFill    `json:"fills,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ResultStatus is the outcome class of an Execute call.
type ResultStatus string

const (
	ResultPlaced     ResultStatus = "PLACED"
	ResultDowngraded ResultStatus = "DOWNGRADED"
	ResultBlocked    ResultStatus = "BLOCKED"
	ResultRejected   ResultStatus = "REJECTED"
	ResultError      ResultStatus = "ERROR"
)

// ExecutionResult is the structured outcome of Execute. Reason is rendered
// verbatim by UI consumers for DOWNGRADED and BLOCKED.
type ExecutionResult struct {
	IntentID      string          `json:"intent_id"`
	Status        ResultStatus    `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	SpreadPct     decimal.Decimal `json:"spread_pct,omitempty"`
	Retryable     bool            `json:"retryable,omitempty"`
}

// GateDecision is the Safety Gate verdict for one submission attempt.
type GateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// GateSnapshot is the secretless gate state exposed on the admin surface.
type GateSnapshot struct {
	Mode                TradingMode `json:"mode"`
	ExecutionEnabled    bool        `json:"execution_enabled"`
	ExecutionHalted     bool        `json:"execution_halted"`
	ExecGuardUnlocked   bool        `json:"exec_guard_unlocked"`
	BrokerURLClass      URLClass    `json:"broker_url_class"`
	ConfirmTokenPresent bool        `json:"confirm_token_present"`
}

// RecoverySummary counts the work done by one recovery pass.
type RecoverySummary struct {
	Polled     int `json:"polled"`
	Cancelled  int `json:"cancelled"`
	Reconciled int `json:"reconciled"`
	Terminal   int `json:"terminal"`
}

// Add accumulates another summary into this one.
func (s *RecoverySummary) Add(other RecoverySummary) {
	s.Polled += other.Polled
	s.Cancelled += other.Cancelled
	s.Reconciled += other.Reconciled
	s.Terminal += other.Terminal
}
