package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

// Bus relays frames between server instances sharing a docstore. Rooms
// publish applied operations and subscribe per document.
type Bus interface {
	Publish(ctx context.Context, docID string, data []byte) error
	Subscribe(ctx context.Context, docID string, fn func(data []byte)) (func(), error)
	Close() error
}

const relayChannelPrefix = "editor:doc:"

type relayEnvelope struct {
	Instance string          `json:"instance"`
	Frame    json.RawMessage `json:"frame"`
}

// RedisBus is the production Bus: redis pub/sub, one channel per document.
// Messages carry the publishing instance id so a hub skips its own echoes.
type RedisBus struct {
	log      utils.Logger
	rdb      *redis.Client
	instance string
}

func NewRedisBus(ctx context.Context, log utils.Logger, addr, instance string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("hub: redis ping: %w", err)
	}
	return &RedisBus{log: log, rdb: rdb, instance: instance}, nil
}

func (b *RedisBus) Publish(ctx context.Context, docID string, data []byte) error {
	env, err := json.Marshal(relayEnvelope{Instance: b.instance, Frame: data})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, relayChannelPrefix+docID, env).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, docID string, fn func([]byte)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, relayChannelPrefix+docID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("hub: redis subscribe %s: %w", docID, err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("hub: bad relay payload", "doc", docID, "err", err)
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			fn(env.Frame)
		}
	}()
	return func() { _ = pubsub.Close() }, nil
}

func (b *RedisBus) Close() error { return b.rdb.Close() }
