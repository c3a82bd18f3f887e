package bus

import (
	"context"
	"fmt"

	"github.com/cerberus-defense/cerberus/internal/config"
)

// FromConfig builds the configured bus backend. Unknown backends fall back
// to the in-process bus so a misconfigured dev box still boots.
func FromConfig(ctx context.Context, cfg *config.Config) (Bus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		return NewRedisStreamsBus(RedisStreamsConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			MaxLen:   cfg.Bus.StreamMaxLen,
		})
	case "pubsub":
		if cfg.Bus.PubSubProject == "" {
			return nil, fmt.Errorf("bus backend pubsub requires a project id")
		}
		return NewPubSubBus(ctx, cfg.Bus.PubSubProject)
	default:
		return NewMemoryBus(), nil
	}
}
