package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/go-redis/redis/v8"
)

const unreadTTL = 30 * time.Second

// UnreadCache keeps per-identity unread summaries in Redis. It is purely an
// accelerator for badge reads: every error degrades to a miss and the caller
// falls back to recomputing from the message store.
type UnreadCache struct {
	client *redis.Client
}

func NewUnreadCache(client *redis.Client) *UnreadCache {
	return &UnreadCache{client: client}
}

// NewClient connects to Redis using a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return client, nil
}

func (c *UnreadCache) Get(ctx context.Context, owner models.Identity) (*models.UnreadSummary, bool) {
	payload, err := c.client.Get(ctx, unreadKey(owner)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("unread cache get: %v", err)
		}
		return nil, false
	}

	var summary models.UnreadSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		log.Printf("unread cache decode: %v", err)
		return nil, false
	}
	if summary.PerCounterparty == nil {
		summary.PerCounterparty = make(map[int64]int)
	}

	return &summary, true
}

func (c *UnreadCache) Set(ctx context.Context, owner models.Identity, summary *models.UnreadSummary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, unreadKey(owner), payload, unreadTTL).Err(); err != nil {
		log.Printf("unread cache set: %v", err)
	}
}

func (c *UnreadCache) Invalidate(ctx context.Context, owner models.Identity) {
	if err := c.client.Del(ctx, unreadKey(owner)).Err(); err != nil {
		log.Printf("unread cache invalidate: %v", err)
	}
}

func unreadKey(owner models.Identity) string {
	return fmt.Sprintf("unread:%s:%d", owner.Role, owner.ID)
}
