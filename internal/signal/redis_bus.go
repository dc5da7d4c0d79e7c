package signal

import (
	"context"
	"log"

	redis "github.com/redis/go-redis/v9"
)

const salesChangedChannel = "tillpoint:sales-changed"

// RedisBus fans the sales-changed signal out across terminals through a
// redis pub/sub channel. The payload is the shop id.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(addr string, password string, db int) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBus{client: client}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) PublishSalesChanged(ctx context.Context, shopID string) error {
	if shopID == "" {
		return nil
	}
	return b.client.Publish(ctx, salesChangedChannel, shopID).Err()
}

func (b *RedisBus) SubscribeSalesChanged(ctx context.Context, fn func(shopID string)) (func() error, error) {
	sub := b.client.Subscribe(ctx, salesChangedChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			if msg.Payload == "" {
				continue
			}
			fn(msg.Payload)
		}
		log.Printf("[signal] sales-changed subscription closed")
	}()

	return sub.Close, nil
}
