package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisChannel broadcasts over the Redis pub/sub topic call:<conversationID>
type RedisChannel struct {
	registry
	client  *redis.Client
	topic   string
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// RedisFactory opens RedisChannels sharing client. timeout bounds how long
// Subscribe waits for the server's confirmation.
func RedisFactory(client *redis.Client, timeout time.Duration) Factory {
	return func(conversationID string) (Channel, error) {
		return NewRedisChannel(client, conversationID, timeout), nil
	}
}

func NewRedisChannel(client *redis.Client, conversationID string, timeout time.Duration) *RedisChannel {
	topic := "call:" + conversationID
	return &RedisChannel{
		client:  client,
		topic:   topic,
		timeout: timeout,
		log:     log.With().Str("topic", topic).Logger(),
	}
}

func (c *RedisChannel) Subscribe(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.pubsub != nil {
		c.mu.Unlock()
		return StatusSubscribed, nil
	}
	c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ps := c.client.Subscribe(ctx, c.topic)
	// The first reply is the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusTimedOut, fmt.Errorf("%w: %v", ErrSubscribe, err)
		}
		return StatusChannelError, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}

	c.mu.Lock()
	c.pubsub = ps
	c.closed = false
	c.mu.Unlock()

	go c.receive(ps)
	c.log.Debug().Msg("Subscribed")
	return StatusSubscribed, nil
}

func (c *RedisChannel) receive(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		c.deliver([]byte(msg.Payload), c.log)
	}

	c.mu.Lock()
	expected := c.closed
	c.mu.Unlock()
	if !expected {
		c.log.Warn().Msg("Redis subscription closed unexpectedly")
		c.notify(StatusClosed)
	}
}

func (c *RedisChannel) Send(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	subscribed := c.pubsub != nil
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	data, err := models.Encode(msg)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.topic, data).Err()
}

func (c *RedisChannel) Unsubscribe() error {
	c.mu.Lock()
	ps := c.pubsub
	c.pubsub = nil
	c.closed = true
	c.mu.Unlock()

	if ps == nil {
		return nil
	}
	return ps.Close()
}
