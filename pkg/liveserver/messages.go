package liveserver

// Message is one WebSocket frame: a type tag plus a JSON payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Message types published by the execution pipeline.
const (
	TypeOrderPlaced     = "order_placed"
	TypeOrderDowngraded = "order_downgraded"
	TypeOrderBlocked    = "order_blocked"
	TypeOrderRejected   = "order_rejected"
	TypeFillRecorded    = "fill_recorded"
	TypeRecoverySummary = "recovery_summary"
)
