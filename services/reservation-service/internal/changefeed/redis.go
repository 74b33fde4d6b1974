package changefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisFeed shares changes between replicas over Redis pub/sub, one channel per resource.
type RedisFeed struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisFeed(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *RedisFeed {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "reservations:changes"
	}
	return &RedisFeed{rdb: rdb, prefix: prefix, logger: logger}
}

func (f *RedisFeed) Channel(resourceID string) string {
	return f.prefix + ":" + resourceID
}

func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.Channel(c.ResourceID), payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, resourceID string) (<-chan Change, func(), error) {
	var ps *redis.PubSub
	if resourceID == "" {
		ps = f.rdb.PSubscribe(ctx, f.prefix+":*")
	} else {
		ps = f.rdb.Subscribe(ctx, f.Channel(resourceID))
	}
	// Wait for the subscription confirmation so callers see errors up front.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan Change, 32)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					f.logger.Warn("changefeed: invalid payload", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- c:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

func (f *RedisFeed) ReadyCheck() func(context.Context) error {
	return func(ctx context.Context) error {
		return f.rdb.Ping(ctx).Err()
	}
}
