package cache

import (
	"context"
	"time"
)

// Store is the shared key-value contract used for presence and ephemeral
// state. All operations are best-effort from the caller's point of view:
// transport failures are returned as errors so the presence layer can decide
// to consult its in-process fallback, and Available reports whether the
// backend reached its last command.
//
// Set-valued keys back presence entries (one member per connection id) and
// room mirrors; they carry a TTL so entries left behind by a crashed process
// expire on their own.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, prefix string) (int64, error)

	SAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SRem(ctx context.Context, key, member string) (remaining int64, err error)
	SMembers(ctx context.Context, key string) ([]string, error)

	Available() bool
}
