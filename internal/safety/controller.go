// Package safety implements the hard gate consulted before every broker write.
package safety

import (
	"context"
	"strings"
	"sync"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
	"exec_agent/pkg/telemetry"
)

// Controller is the process-wide safety gate. All mutable state (halt flag,
// single-use confirm token) lives behind one mutex so writes are linearizable.
// The controller is fail-closed: anything it cannot interpret denies.
type Controller struct {
	logger core.ILogger
	users  core.IUserPolicy

	mu               sync.Mutex
	mode             core.TradingMode
	urlClass         core.URLClass
	executionEnabled bool
	halted           bool
	guardUnlock      bool
	confirmToken     string
}

// ClassifyBrokerURL derives the endpoint class from the configured base URL.
// An empty or unrecognizable URL is unknown and never passes the gate.
func ClassifyBrokerURL(baseURL string) core.URLClass {
	switch {
	case baseURL == "":
		return core.URLClassUnknown
	case strings.Contains(strings.ToLower(baseURL), "paper"):
		return core.URLClassPaper
	default:
		return core.URLClassLive
	}
}

// NewController builds the gate from validated configuration. The paper
// adapter has no endpoint, so it classifies as paper directly.
func NewController(cfg config.GateConfig, broker config.BrokerConfig, users core.IUserPolicy, logger core.ILogger) *Controller {
	urlClass := ClassifyBrokerURL(broker.BaseURL)
	if broker.Adapter == "paper" {
		urlClass = core.URLClassPaper
	}

	mode := core.TradingMode(strings.ToUpper(cfg.Mode))
	if !mode.Valid() {
		// Fail closed: an unknown mode can never match any URL class.
		urlClass = core.URLClassUnknown
	}

	c := &Controller{
		logger:           logger.WithField("component", "safety_gate"),
		users:            users,
		mode:             mode,
		urlClass:         urlClass,
		executionEnabled: cfg.ExecutionEnabled,
		halted:           cfg.ExecutionHalted,
		guardUnlock:      cfg.GuardUnlock,
		confirmToken:     string(cfg.ConfirmToken),
	}
	telemetry.GetGlobalMetrics().SetGateHalted(c.halted)
	return c
}

// Authorize evaluates the check chain for one submission attempt on behalf of
// userID. It does not consume the confirm token; CommitSuccess does that once
// the broker accepted the order.
func (c *Controller) Authorize(ctx context.Context, userID string) core.GateDecision {
	c.mu.Lock()
	halted := c.halted
	mode := c.mode
	urlClass := c.urlClass
	enabled := c.executionEnabled
	unlocked := c.guardUnlock
	tokenPresent := c.confirmToken != ""
	c.mu.Unlock()

	if halted {
		return c.deny(core.DenyHalted, userID)
	}
	if (mode == core.ModeLive) != (urlClass == core.URLClassLive) || urlClass == core.URLClassUnknown {
		return c.deny(core.DenyModeURLMismatch, userID)
	}
	if !enabled || !unlocked {
		return c.deny(core.DenyGuardLocked, userID)
	}
	if !tokenPresent {
		return c.deny(core.DenyTokenMissing, userID)
	}

	allowed, err := c.users.TradingEnabled(ctx, userID)
	if err != nil {
		c.logger.Warn("User policy lookup failed, denying", "user_id", userID, "error", err.Error())
		return c.deny(core.DenyUserDisabled, userID)
	}
	if !allowed {
		return c.deny(core.DenyUserDisabled, userID)
	}

	return core.GateDecision{Allowed: true}
}

func (c *Controller) deny(reason, userID string) core.GateDecision {
	c.logger.Warn("Gate denied submission", "reason", reason, "user_id", userID)
	return core.GateDecision{Allowed: false, Reason: reason}
}

// CommitSuccess consumes the single-use confirm token and re-arms the halt
// flag. Called only after the broker accepted an order; error branches must
// not call it, or one outage would burn the operator's unlock for nothing.
func (c *Controller) CommitSuccess() {
	c.mu.Lock()
	c.confirmToken = ""
	c.halted = true
	c.mu.Unlock()

	telemetry.GetGlobalMetrics().SetGateHalted(true)
	c.logger.Info("Auto-lockdown engaged after successful submission")
}

// Lockdown forces the kill-switch on. Idempotent; never terminates the process.
func (c *Controller) Lockdown(reason string) {
	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()

	telemetry.GetGlobalMetrics().SetGateHalted(true)
	c.logger.Warn("Execution halted", "reason", reason)
}

// Snapshot reports the gate state for the admin surface. No secrets: the
// token itself is never exposed, only its presence.
func (c *Controller) Snapshot() core.GateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return core.GateSnapshot{
		Mode:                c.mode,
		ExecutionEnabled:    c.executionEnabled,
		ExecutionHalted:     c.halted,
		ExecGuardUnlocked:   c.guardUnlock,
		BrokerURLClass:      c.urlClass,
		ConfirmTokenPresent: c.confirmToken != "",
	}
}
