//go:build !integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

type counterClient struct {
	counts  map[string]int64
	expires map[string]time.Duration
	failOn  string
}

func (c *counterClient) Ping(context.Context) error { return nil }
func (c *counterClient) Incr(_ context.Context, key string) (int64, error) {
	if key == c.failOn {
		return 0, errors.New("redis down")
	}
	c.counts[key]++
	return c.counts[key], nil
}
func (c *counterClient) Expire(_ context.Context, key string, d time.Duration) error {
	c.expires[key] = d
	return nil
}
func (c *counterClient) Del(context.Context, ...string) error { return nil }
func (c *counterClient) Close() error                         { return nil }

func TestRateLimiter_Allow(t *testing.T) {
	cli := &counterClient{counts: map[string]int64{}, expires: map[string]time.Duration{}}
	rl := NewRateLimiter(cli)
	key := ForceBatchKey("acme")

	for i := 1; i <= 3; i++ {
		ok, err := rl.Allow(context.Background(), key, 2, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := i <= 2; ok != want {
			t.Errorf("call %d: allowed=%v, want %v", i, ok, want)
		}
	}
	if cli.expires[key] != time.Minute {
		t.Errorf("window not set on first hit: %v", cli.expires[key])
	}

	cli.failOn = "broken"
	if _, err := rl.Allow(context.Background(), "broken", 1, time.Minute); err == nil {
		t.Error("expected error to surface")
	}
}

func TestTenantCadenceKey(t *testing.T) {
	if got := TenantCadenceKey("create", "acme"); got != "lock:cadence:create:acme" {
		t.Errorf("key = %q", got)
	}
}
