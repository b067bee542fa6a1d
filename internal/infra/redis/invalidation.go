package redis

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const TenantInvalidationChannel = "tenants:invalidate"

// InvalidationBus broadcasts tenant lifecycle changes to every scheduler replica.
type InvalidationBus struct {
	cli *redis.Client
	log *zerolog.Logger
}

func NewInvalidationBus(c *Client, logger *zerolog.Logger) *InvalidationBus {
	return &InvalidationBus{cli: c.cli, log: logger}
}

func (b *InvalidationBus) Publish(ctx context.Context, tenantID string) error {
	return b.cli.Publish(ctx, TenantInvalidationChannel, tenantID).Err()
}

// Subscribe calls fn for each invalidation until ctx is done. It returns once
// the subscription is confirmed, delivering messages from a goroutine.
func (b *InvalidationBus) Subscribe(ctx context.Context, fn func(tenantID string)) error {
	ps := b.cli.Subscribe(ctx, TenantInvalidationChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.log.Debug().Str("tenant_id", msg.Payload).Msg("tenant invalidation received")
				fn(msg.Payload)
			}
		}
	}()
	return nil
}
