package checks

import (
	"context"
	"time"

	"github.com/teampulse/teampulse/internal/monitoring"
	apperrors "github.com/teampulse/teampulse/pkg/errors"
)

const defaultStoreTimeout = 2 * time.Second

// StorePinger represents the minimal interface required to probe the shared store.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// SharedStore returns a probe for the shared presence store. Presence degrades
// to the in-process fallback when the store is unreachable, so a failed ping
// reports degraded rather than down.
func SharedStore(client StorePinger, enabled bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("shared_store", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if !enabled {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "shared store disabled, running process-local",
				Duration: time.Since(start),
			}
		}
		if client == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  apperrors.ErrStoreUnavailable.Error(),
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultStoreTimeout))
		defer cancel()

		if err := client.Ping(probeCtx); err != nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  apperrors.ErrStoreUnavailable.WithInternal(err).Error(),
				Duration: time.Since(start),
			}
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
