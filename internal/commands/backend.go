package commands

import (
	"context"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/presence"
	"github.com/mossy-p/blink-signaling/internal/redis"
	"github.com/mossy-p/blink-signaling/internal/store"
	"github.com/mossy-p/blink-signaling/internal/store/memory"
)

const (
	storeRedis  = "redis"
	storeMemory = "memory"
)

// backend is the session store and presence tracker picked by configuration.
type backend struct {
	store    store.Store
	presence presence.Tracker
	close    func() error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Store == storeMemory {
		return &backend{
			store:    memory.New(),
			presence: presence.NewMemory(cfg.Session.PresenceTTL),
			close:    func() error { return nil },
		}, nil
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &backend{
		store:    client,
		presence: presence.NewRedis(client.Redis(), client.Prefix(), cfg.Session.PresenceTTL),
		close:    client.Close,
	}, nil
}
