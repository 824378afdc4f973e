package crdtsync

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"opdoc/crdtpatch"
)

// RedisBroadcaster publishes changes on a Redis pub/sub channel,
// grounded on the teacher's PubSubBroadcaster (crdtsync/pubsub_broadcaster.go)
// but carrying the hashed crdtpatch.Change instead of the teacher's
// verbose Patch payload.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	msgs    <-chan *redis.Message
}

// NewRedisBroadcaster subscribes to channel on client and returns a
// ready-to-use Broadcaster.
func NewRedisBroadcaster(ctx context.Context, client *redis.Client, channel string) (*RedisBroadcaster, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, errors.Wrap(err, "subscribing to channel")
	}
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		msgs:    pubsub.Channel(),
	}, nil
}

// Broadcast publishes change as JSON on the configured channel.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, change *crdtpatch.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return errors.Wrap(err, "encoding change")
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "publishing change")
	}
	return nil
}

// Next blocks until a message arrives on the channel or ctx is done.
func (b *RedisBroadcaster) Next(ctx context.Context) (*crdtpatch.Change, error) {
	select {
	case msg, ok := <-b.msgs:
		if !ok {
			return nil, errors.New("broadcaster channel closed")
		}
		var change crdtpatch.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			return nil, errors.Wrap(err, "decoding change")
		}
		return &change, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes from the channel.
func (b *RedisBroadcaster) Close() error {
	return b.pubsub.Close()
}
