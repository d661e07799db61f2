package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-chat/internal/models"
)

// RedisMirror stores presence records as expiring Redis hashes so other
// instances can answer status lookups for users not connected to them.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to redisURL and pings it.
func NewRedisMirror(ctx context.Context, redisURL string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisMirror(client, "presence:", ttl), nil
}

func newRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * DefaultTimeout
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) key(userID int64) string {
	return fmt.Sprintf("%s%d", m.prefix, userID)
}

// Set writes the record and refreshes its expiry.
func (m *RedisMirror) Set(ctx context.Context, p models.Presence) error {
	key := m.key(p.UserID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", string(p.Status), "last_active", p.LastActive.UnixMilli())
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	return err
}

// Get reads a record. found is false when no instance has written one
// recently.
func (m *RedisMirror) Get(ctx context.Context, userID int64) (models.Presence, bool, error) {
	fields, err := m.client.HGetAll(ctx, m.key(userID)).Result()
	if err != nil {
		return models.Presence{}, false, err
	}
	if len(fields) == 0 {
		return models.Presence{}, false, nil
	}

	p := models.Presence{UserID: userID, Status: models.PresenceStatus(fields["status"])}
	if ms, err := strconv.ParseInt(fields["last_active"], 10, 64); err == nil && ms > 0 {
		p.LastActive = time.UnixMilli(ms).UTC()
	}
	if p.Status != models.StatusOnline {
		p.Status = models.StatusOffline
	}
	return p, true, nil
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var _ Mirror = (*RedisMirror)(nil)
