package safety

import (
	"context"
	"sync"

	"exec_agent/internal/config"
)

// StaticUserPolicy is the config-backed per-user enablement check. Lookups
// read through on every call so an admin toggle takes effect immediately;
// nothing upstream may cache the answer.
type StaticUserPolicy struct {
	mu             sync.RWMutex
	defaultEnabled bool
	disabled       map[string]bool
}

// NewStaticUserPolicy builds the policy from configuration.
func NewStaticUserPolicy(cfg config.UsersConfig) *StaticUserPolicy {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, u := range cfg.Disabled {
		disabled[u] = true
	}
	return &StaticUserPolicy{
		defaultEnabled: cfg.DefaultEnabled,
		disabled:       disabled,
	}
}

// TradingEnabled reports whether userID may submit orders.
func (p *StaticUserPolicy) TradingEnabled(_ context.Context, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.disabled[userID] {
		return false, nil
	}
	return p.defaultEnabled, nil
}

// SetEnabled toggles one user at runtime.
func (p *StaticUserPolicy) SetEnabled(userID string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if enabled {
		delete(p.disabled, userID)
	} else {
		p.disabled[userID] = true
	}
}
