package retry

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDoWithResultRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	got, err := DoWithResult(func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("controller timeout")
		}
		return "ok", nil
	}, WithDelay(0))
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, calls)
}

func TestDoWithResultStopsAfterBudget(t *testing.T) {
	calls := 0
	_, err := DoWithResult(func() (int, error) {
		calls++
		return 0, errors.New("down")
	}, WithAttempts(2), WithDelay(0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed after 2 attempts")
	require.Equal(t, 2, calls)
}

func TestDoStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	require.NoError(t, Do(func() error {
		calls++
		return nil
	}))
	require.Equal(t, 1, calls)
}
