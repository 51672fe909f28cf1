package events

import (
	"fmt"
	"strings"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/events/bus"
)

// Provide returns the configured bus implementation and its cleanup: NATS
// when nats.url is set, the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, func() error { return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	cleanup := func() error {
		natsBus.Close()
		return nil
	}
	return natsBus, cleanup, nil
}
