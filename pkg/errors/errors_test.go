package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithInternalKeepsOriginal(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ErrStoreUnavailable.WithInternal(cause)

	require.NotSame(t, ErrStoreUnavailable, err)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")

	// the shared sentinel must stay untouched
	require.Nil(t, ErrStoreUnavailable.Internal)
}

func TestFromErrorUnwrapsAppError(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "membership write failed")
	got := FromError(wrapped)
	require.Equal(t, "INTERNAL_ERROR", got.Code)

	require.Nil(t, FromError(nil))

	generic := FromError(errors.New("plain"))
	require.Equal(t, ErrInternalServer.Code, generic.Code)
	require.Equal(t, http.StatusInternalServerError, generic.StatusCode)
}

func TestRealtimeSentinels(t *testing.T) {
	require.Equal(t, http.StatusForbidden, ErrUnauthorizedRoomJoin.StatusCode)
	require.Equal(t, http.StatusConflict, ErrInvalidRoomTransition.StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, ErrStoreUnavailable.StatusCode)
}
