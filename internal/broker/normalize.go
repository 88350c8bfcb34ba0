// Package broker provides the uniform brokerage contract: a paper simulator,
// a REST adapter for real endpoints, and a resilience decorator that bounds
// every call. All implementations speak normalized lifecycle states.
package broker

import (
	"strings"

	"exec_agent/internal/core"
)

// statusTable is the closed mapping from vendor status strings to canonical
// states. Anything outside it normalizes to UNKNOWN, which is never terminal.
var statusTable = map[string]core.LifecycleState{
	"new":              core.StateNew,
	"pending_new":      core.StateNew,
	"accepted":         core.StateAccepted,
	"open":             core.StateAccepted,
	"working":          core.StateAccepted,
	"partially_filled": core.StatePartiallyFilled,
	"filled":           core.StateFilled,
	"canceled":         core.StateCancelled,
	"cancelled":        core.StateCancelled,
	"rejected":         core.StateRejected,
	"expired":          core.StateExpired,
}

// NormalizeStatus maps a raw broker status onto the canonical enum.
func NormalizeStatus(raw string) core.LifecycleState {
	if state, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state
	}
	return core.StateUnknown
}
