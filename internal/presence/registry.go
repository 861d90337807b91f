package presence

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/pkg/logger"
	"github.com/teampulse/teampulse/pkg/metrics"
)

const (
	userKeyPrefix = "presence:user:"

	// DefaultEntryTTL bounds how long a crashed process's presence entries
	// survive in the shared store before expiring on their own.
	DefaultEntryTTL = 5 * time.Minute
)

// Registry tracks which connection ids belong to which user. It writes to the
// shared store when one is configured and reachable, and degrades to an
// in-process map otherwise. A presence failure must never break message
// delivery, so every operation swallows store errors after logging them.
type Registry struct {
	store    cache.Store
	fallback *cache.MemoryStore
	ttl      time.Duration
	log      *zap.Logger
}

// NewRegistry constructs a presence registry. The shared store may be nil, in
// which case every operation uses the in-process fallback.
func NewRegistry(store cache.Store, fallback *cache.MemoryStore, ttl time.Duration) *Registry {
	if fallback == nil {
		fallback = cache.NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	return &Registry{
		store:    store,
		fallback: fallback,
		ttl:      ttl,
		log:      logger.WithModule("presence"),
	}
}

// AddConnection records a connection id under the user's presence entry.
// Idempotent: re-adding an existing connection leaves the entry unchanged.
func (r *Registry) AddConnection(ctx context.Context, userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	key := userKeyPrefix + userID
	if r.store != nil {
		err := r.store.SAdd(ctx, key, connID, r.ttl)
		if err == nil {
			return
		}
		r.log.Warn("presence add degraded to fallback",
			zap.String("user_id", userID), zap.Error(err))
		metrics.StoreFallbacks.WithLabelValues("add").Inc()
	}

	_ = r.fallback.SAdd(ctx, key, connID, r.ttl)
}

// Refresh re-stamps the TTL on one of the user's connections. The entry TTL
// only exists to reap records left behind by a crashed process, so a live
// connection must renew it periodically or an idle user would be reported
// offline once the TTL lapses. Like AddConnection, a store failure degrades
// to the fallback; an entry written there during an outage migrates back to
// the store on the first refresh after recovery.
func (r *Registry) Refresh(ctx context.Context, userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	key := userKeyPrefix + userID
	if r.store != nil {
		err := r.store.SAdd(ctx, key, connID, r.ttl)
		if err == nil {
			return
		}
		r.log.Debug("presence refresh degraded to fallback",
			zap.String("user_id", userID), zap.Error(err))
		metrics.StoreFallbacks.WithLabelValues("refresh").Inc()
	}

	_ = r.fallback.SAdd(ctx, key, connID, r.ttl)
}

// RemoveConnection drops a connection id from the user's presence entry and
// deletes the entry once its last connection is gone. Removals apply to both
// the shared store and the fallback so entries written during an outage do
// not linger after recovery. Missing entries are treated as success.
func (r *Registry) RemoveConnection(ctx context.Context, userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	key := userKeyPrefix + userID
	if r.store != nil {
		remaining, err := r.store.SRem(ctx, key, connID)
		if err != nil {
			r.log.Warn("presence remove degraded to fallback",
				zap.String("user_id", userID), zap.Error(err))
			metrics.StoreFallbacks.WithLabelValues("remove").Inc()
		} else if remaining == 0 {
			if err := r.store.Delete(ctx, key); err != nil {
				r.log.Warn("presence entry cleanup failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}

	_, _ = r.fallback.SRem(ctx, key, connID)
}

// Connections returns every live connection id for the user, merging the
// shared store with the fallback so entries from a degraded period are still
// visible after the store recovers.
func (r *Registry) Connections(ctx context.Context, userID string) []string {
	if userID == "" {
		return nil
	}

	key := userKeyPrefix + userID
	var merged []string

	if r.store != nil {
		members, err := r.store.SMembers(ctx, key)
		if err != nil {
			metrics.StoreFallbacks.WithLabelValues("read").Inc()
		} else {
			merged = members
		}
	}

	local, _ := r.fallback.SMembers(ctx, key)
	return lo.Uniq(append(merged, local...))
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	return len(r.Connections(ctx, userID)) > 0
}
