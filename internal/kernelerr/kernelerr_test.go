package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsRetryableByKind(t *testing.T) {
	require.True(t, New(KindTimeout, "deadline elapsed").Retryable)
	require.True(t, New(KindTransportDisconnected, "channel dead").Retryable)
	require.False(t, New(KindRouteStale, "page gone").Retryable)
	require.False(t, New(KindQuotaExceeded, "tenant over cap").Retryable)
	require.False(t, New(KindInternal, "panic recovered").Retryable)
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindTransportDisconnected, cause, "transport dead")

	require.ErrorIs(t, err, cause)
	require.Equal(t, KindTransportDisconnected, KindOf(err))
	require.True(t, IsRetryable(err))
}

func TestRemoteErrorCarriesCode(t *testing.T) {
	err := RemoteError(-32000, "Cannot navigate to invalid URL")
	require.Equal(t, KindRemoteError, err.Kind)
	require.Equal(t, -32000, err.Code)
	require.False(t, err.Retryable)
	require.Contains(t, err.Error(), "Cannot navigate")
}

func TestKindOfAndIsRetryableOnUntypedError(t *testing.T) {
	plain := errors.New("boom")
	require.Equal(t, KindInternal, KindOf(plain))
	require.False(t, IsRetryable(plain))

	require.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessageFallsBackToKind(t *testing.T) {
	err := &KernelError{Kind: KindCancelled}
	require.Equal(t, "cancelled", err.Error())

	wrapped := &KernelError{Kind: KindInternal, Err: errors.New("nil pointer")}
	require.Equal(t, "internal: nil pointer", wrapped.Error())
}
