package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/dala-chat/internal/identity"
)

// EvictCallback is called for every state removed by the sweeper.
type EvictCallback func(stateID string)

// RunSweeper periodically evicts states idle for longer than ttl and prunes
// expired token revocations. It blocks until ctx is cancelled.
func RunSweeper(ctx context.Context, reg *Registry, revoked *identity.Revocations, interval, ttl time.Duration, onEvict EvictCallback) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			sweep(reg, revoked, ttl, onEvict)
		case <-ctx.Done():
			slog.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func sweep(reg *Registry, revoked *identity.Revocations, ttl time.Duration, onEvict EvictCallback) {
	now := reg.now()
	evicted := reg.evictIdle(now.Add(-ttl))
	for _, id := range evicted {
		if onEvict != nil {
			onEvict(id)
		}
	}
	if len(evicted) > 0 {
		slog.Info("Session sweeper evicted idle states", "count", len(evicted), "remaining", reg.Len())
	}
	if revoked != nil {
		if n := revoked.Prune(now); n > 0 {
			slog.Debug("Session sweeper pruned revocations", "count", n)
		}
	}
}
