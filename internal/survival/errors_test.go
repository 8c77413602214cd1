package survival

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/protocol"
	"craftpilot.ai/internal/recipes"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{fmt.Errorf("dig: %w", actuator.ErrTimeout), FailTransient},
		{&actuator.RejectedError{Code: protocol.ErrBlocked}, FailTransient},
		{&actuator.RejectedError{Code: protocol.ErrNoResource}, FailMissing},
		{fmt.Errorf("x: %w", ErrMissingResource), FailMissing},
		{fmt.Errorf("x: %w", actuator.ErrNotFound), FailMissing},
		{fmt.Errorf("x: %w", recipes.ErrNotFound), FailStructural},
		{fmt.Errorf("x: %w", recipes.ErrUnmappedTag), FailStructural},
		{fmt.Errorf("x: %w", actuator.ErrDisconnected), FailConnection},
		{context.Canceled, FailCanceled},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
	require.True(t, FailTransient.Retryable())
	require.False(t, FailMissing.Retryable())
}

func TestBusy(t *testing.T) {
	var b Busy
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire())
	require.True(t, b.Held())
	b.Release()
	require.True(t, b.TryAcquire())
}
