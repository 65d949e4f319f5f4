package reqpipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDefaultExhaustsImmediately(t *testing.T) {
	p := NewRetryPolicy()
	err := errors.New("boom")

	got := p.Retry(err)
	require.ErrorIs(t, got, err)
	require.Equal(t, 1, p.CurrentRetryCount())
	require.Equal(t, int64(5000), p.CurrentTimeoutMs())
}

func TestRetryPolicyGrowsTimeoutBeforeRejecting(t *testing.T) {
	p := NewRetryPolicyWith(100, 1, 1.0)
	err := errors.New("boom")

	require.NoError(t, p.Retry(err))
	require.Equal(t, int64(200), p.CurrentTimeoutMs())

	got := p.Retry(err)
	require.ErrorIs(t, got, err)
	require.Equal(t, int64(400), p.CurrentTimeoutMs(), "timeout must still grow on the rejected final retry")
	require.Equal(t, 2, p.CurrentRetryCount())
}

func TestRetryPolicyZeroMultiplierNeverGrows(t *testing.T) {
	p := NewRetryPolicyWith(250, 3, 0)
	err := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Retry(err))
	}
	require.Equal(t, int64(250), p.CurrentTimeoutMs())
	require.ErrorIs(t, p.Retry(err), err)
}
