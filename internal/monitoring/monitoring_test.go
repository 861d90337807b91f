package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func upCheck(name string) Check {
	return NewCheck(name, func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusUp}
	})
}

func TestEvaluateEmptyManagerIsUp(t *testing.T) {
	m := NewHealthManager()

	report := m.Evaluate(context.Background())

	require.True(t, report.Success)
	require.Equal(t, StatusUp, report.Status)
}

func TestEvaluateDegradedOutranksUp(t *testing.T) {
	m := NewHealthManager()
	m.Register(upCheck("database"))
	m.Register(NewCheck("shared_store", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusDegraded, Details: "fallback active"}
	}))

	report := m.Evaluate(context.Background())

	require.False(t, report.Success)
	require.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Checks, 2)
}

func TestEvaluateDownOutranksDegraded(t *testing.T) {
	m := NewHealthManager()
	m.Register(NewCheck("shared_store", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusDegraded}
	}))
	m.Register(NewCheck("database", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusDown, Details: "connection refused"}
	}))

	report := m.Evaluate(context.Background())

	require.Equal(t, StatusDown, report.Status)
}

func TestRunCheckRecoversPanic(t *testing.T) {
	m := NewHealthManager()
	m.Register(NewCheck("flaky", func(context.Context) ProbeResult {
		panic("boom")
	}))

	report := m.Evaluate(context.Background())

	require.Equal(t, StatusDown, report.Status)
	require.Equal(t, "boom", report.Checks[0].Details)
	require.Equal(t, "flaky", report.Checks[0].Component)
}

func TestResultFromError(t *testing.T) {
	up := ResultFromError("database", nil, time.Millisecond)
	require.Equal(t, StatusUp, up.Status)

	down := ResultFromError("database", errors.New("no route to host"), time.Millisecond)
	require.Equal(t, StatusDown, down.Status)

	degraded := ResultFromError("database", context.DeadlineExceeded, time.Millisecond)
	require.Equal(t, StatusDegraded, degraded.Status)
}
