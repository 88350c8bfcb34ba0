package broker

import (
	"fmt"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
)

// New builds the configured adapter wrapped in the resilience decorator.
// Config validation guarantees the adapter name, but an unknown value still
// errors rather than silently defaulting to paper.
func New(cfg config.BrokerConfig, logger core.ILogger) (core.IBroker, error) {
	var inner core.IBroker
	switch cfg.Adapter {
	case "paper":
		inner = NewPaperBroker(logger)
	case "rest":
		inner = NewRESTBroker(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker adapter: %s", cfg.Adapter)
	}
	return NewResilient(inner, cfg, logger), nil
}
