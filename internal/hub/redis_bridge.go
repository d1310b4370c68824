package hub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge relays events through Redis Pub/Sub so viewers connected to
// any API instance receive deltas produced by any other.  Each instance
// publishes to Redis only; its own copy comes back through Run.
type RedisBridge struct {
	rdb    redis.UniversalClient
	local  *Hub
	prefix string
	log    *zap.Logger
}

// NewRedisBridge returns a bridge publishing on {prefix}:events:{showtime}.
func NewRedisBridge(rdb redis.UniversalClient, local *Hub, prefix string, log *zap.Logger) *RedisBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBridge{rdb: rdb, local: local, prefix: prefix, log: log}
}

func (b *RedisBridge) channel(showtimeID string) string {
	return b.prefix + ":events:" + showtimeID
}

// Publish sends each showtime's events as one message.  When Redis is
// unreachable the events are delivered locally so this instance's viewers
// still see them.
func (b *RedisBridge) Publish(ctx context.Context, events []Event) error {
	byShowtime := make(map[string][]Event)
	var order []string
	for _, ev := range events {
		if _, ok := byShowtime[ev.ShowtimeID]; !ok {
			order = append(order, ev.ShowtimeID)
		}
		byShowtime[ev.ShowtimeID] = append(byShowtime[ev.ShowtimeID], ev)
	}
	for _, st := range order {
		batch := byShowtime[st]
		payload, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		if err := b.rdb.Publish(ctx, b.channel(st), payload).Err(); err != nil {
			b.log.Warn("redis publish failed; delivering locally",
				zap.String("showtime_id", st), zap.Error(err))
			_ = b.local.Publish(ctx, batch)
		}
	}
	return nil
}

// Run relays messages from Redis into the local hub until ctx is done.
// It resubscribes after the connection drops.
func (b *RedisBridge) Run(ctx context.Context) {
	pattern := b.prefix + ":events:*"
	for {
		pubsub := b.rdb.PSubscribe(ctx, pattern)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("redis psubscribe failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.log.Info("realtime bridge subscribed", zap.String("pattern", pattern))
		b.consume(ctx, pubsub.Channel())
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *RedisBridge) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var events []Event
			if err := json.Unmarshal([]byte(msg.Payload), &events); err != nil {
				b.log.Warn("bad realtime payload",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !strings.HasPrefix(msg.Channel, b.prefix+":events:") {
				continue
			}
			_ = b.local.Publish(ctx, events)
		}
	}
}
