package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassRoundTrip(t *testing.T) {
	tests := []struct {
		err   error
		class Class
	}{
		{ErrIO, ClassIO},
		{ErrAuthentication, ClassAuth},
		{ErrCorrupt, ClassCorrupt},
		{ErrNotFound, ClassNotFound},
		{ErrConflict, ClassConflict},
		{ErrInvalid, ClassInvalid},
		{ErrCancelled, ClassIO},
		{errors.New("something else"), ClassIO},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.Equal(t, tt.class, ClassOf(wrapped))

			rebuilt := FromClass(tt.class, wrapped.Error())
			assert.Equal(t, tt.class, ClassOf(rebuilt))
		})
	}
	assert.Equal(t, ClassNone, ClassOf(nil))
}

func TestErrdefsCompatibility(t *testing.T) {
	err := fmt.Errorf("item x: %w", ErrNotFound)
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "op", 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("dial: %w", ErrIO)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("bounded", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "op", 2, time.Millisecond, func() error {
			calls++
			return ErrIO
		})
		assert.ErrorIs(t, err, ErrIO)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry authentication errors", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "op", 5, time.Millisecond, func() error {
			calls++
			return ErrAuthentication
		})
		assert.ErrorIs(t, err, ErrAuthentication)
		assert.Equal(t, 1, calls)
	})

	t.Run("does not retry cancellation", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "op", 5, time.Millisecond, func() error {
			calls++
			return ErrCancelled
		})
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, 1, calls)
	})
}
