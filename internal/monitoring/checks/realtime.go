package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/teampulse/teampulse/internal/monitoring"
)

// RealtimeObserver exposes the minimal hub state required to evaluate realtime health.
type RealtimeObserver interface {
	ConnectionCount() int
}

// Realtime evaluates the websocket hub.
func Realtime(observer RealtimeObserver) monitoring.Check {
	return monitoring.NewCheck("realtime", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if observer == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "realtime hub unavailable",
				Duration: time.Since(start),
			}
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  fmt.Sprintf("%d connections", observer.ConnectionCount()),
			Duration: time.Since(start),
		}
	})
}
