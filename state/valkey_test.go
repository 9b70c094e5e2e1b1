package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyStore(t *testing.T) {
	t.Run("Disable", func(t *testing.T) {
		t.Run("sends the mark with its duration", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-2] == "modelrouter:ratelimited:gpt-4o" &&
						cmd[len(cmd)-1] == "60000"
				}, "EVAL script with correct key and duration")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(60000)))

			assert.NoError(t, store.Disable(ctx, "gpt-4o", time.Minute))
		})

		t.Run("handles error", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, gomock.Any()).
				Return(valkeymock.ErrorResult(fmt.Errorf("valkey error")))

			assert.Error(t, store.Disable(ctx, "gpt-4o", time.Minute))
		})
	})

	t.Run("DisabledFor", func(t *testing.T) {
		t.Run("returns the remaining time", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("PTTL", "modelrouter:ratelimited:gpt-4o")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(1500)))

			remaining, err := store.DisabledFor(ctx, "gpt-4o")
			assert.NoError(t, err)
			assert.Equal(t, 1500*time.Millisecond, remaining)
		})

		t.Run("missing key is zero", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("PTTL", "modelrouter:ratelimited:gpt-4o")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(-2)))

			remaining, err := store.DisabledFor(ctx, "gpt-4o")
			assert.NoError(t, err)
			assert.Equal(t, time.Duration(0), remaining)
		})

		t.Run("context cancellation", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			mockClient.EXPECT().
				Do(ctx, gomock.Any()).
				Return(valkeymock.ErrorResult(context.Canceled))

			_, err := store.DisabledFor(ctx, "gpt-4o")
			assert.Equal(t, context.Canceled, err)
		})
	})
}
