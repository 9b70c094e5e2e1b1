package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const keyPrefix = "modelrouter:ratelimited:"

type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

// Disable never shortens an existing mark.
func (s *ValkeyStore) Disable(ctx context.Context, endpointID string, duration time.Duration) error {
	script := `
		local remaining = redis.call('PTTL', KEYS[1])
		if remaining >= tonumber(ARGV[1]) then
			return remaining
		end
		local current_time_micro = redis.call('TIME')[1] * 1000000 + redis.call('TIME')[2]
		redis.call('SET', KEYS[1], current_time_micro + tonumber(ARGV[1]) * 1000)
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return tonumber(ARGV[1])
	`

	resp := s.client.Do(ctx, s.client.B().Eval().Script(script).Numkeys(1).Key(key(endpointID)).Arg(
		fmt.Sprintf("%d", duration.Milliseconds()),
	).Build())

	return resp.Error()
}

func (s *ValkeyStore) DisabledFor(ctx context.Context, endpointID string) (time.Duration, error) {
	resp := s.client.Do(ctx, s.client.B().Pttl().Key(key(endpointID)).Build())
	remaining, err := resp.AsInt64()
	if err != nil {
		return 0, err
	}
	// -2 when the key is missing, -1 when it has no expiry.
	if remaining <= 0 {
		return 0, nil
	}
	return time.Duration(remaining) * time.Millisecond, nil
}

func key(endpointID string) string {
	return keyPrefix + endpointID
}
