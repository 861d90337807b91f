package checks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teampulse/teampulse/internal/monitoring"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestSharedStoreDisabledReportsUp(t *testing.T) {
	check := SharedStore(nil, false, 0)
	result := check.Run(context.Background())

	require.Equal(t, monitoring.StatusUp, result.Status)
	require.Contains(t, result.Details, "process-local")
}

func TestSharedStoreNilClientReportsDegraded(t *testing.T) {
	check := SharedStore(nil, true, 0)
	result := check.Run(context.Background())

	require.Equal(t, monitoring.StatusDegraded, result.Status)
	require.Contains(t, result.Details, "Shared store unavailable")
}

// A failed ping is degraded, not down: presence keeps serving from the
// in-process fallback while the backend is unreachable.
func TestSharedStorePingFailureReportsDegraded(t *testing.T) {
	check := SharedStore(stubPinger{err: errors.New("connection refused")}, true, 0)
	result := check.Run(context.Background())

	require.Equal(t, monitoring.StatusDegraded, result.Status)
	require.Contains(t, result.Details, "Shared store unavailable")
	require.Contains(t, result.Details, "connection refused")
}

func TestSharedStoreHealthyReportsUp(t *testing.T) {
	check := SharedStore(stubPinger{}, true, 0)
	result := check.Run(context.Background())

	require.Equal(t, monitoring.StatusUp, result.Status)
}
