package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-call/config"
	"github.com/redis/go-redis/v9"
)

// PresenceTTL bounds how long a conversation's member set survives without activity
const PresenceTTL = 24 * time.Hour

// Connect opens a Redis client and verifies it with a ping
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Presence tracks which users hold a relay connection for a conversation
type Presence struct {
	client *redis.Client
}

func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

func presenceKey(conversationID string) string {
	return "conversation:" + conversationID + ":peers"
}

// Join records userID as connected to conversationID
func (p *Presence) Join(ctx context.Context, conversationID, userID string) error {
	key := presenceKey(conversationID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Leave removes userID from conversationID
func (p *Presence) Leave(ctx context.Context, conversationID, userID string) error {
	return p.client.SRem(ctx, presenceKey(conversationID), userID).Err()
}

// Members lists the users connected to conversationID
func (p *Presence) Members(ctx context.Context, conversationID string) ([]string, error) {
	return p.client.SMembers(ctx, presenceKey(conversationID)).Result()
}
