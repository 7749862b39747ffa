package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/telehealth-signaling/internal/models"
)

const (
	notificationTTL  = 30 * 24 * time.Hour
	notificationKeep = 200
	blockedKey       = "blocked:users"
	onlineKey        = "presence:online"
)

// Store is the Redis-backed collaborator surface: durable notification
// history, the blocked-user set and an observable mirror of who is online.
// It is not the source of truth for presence; the in-memory registry is.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SaveNotification appends a notification to the recipient's history.
func (s *Store) SaveNotification(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := "notifications:" + n.UserID
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, notificationKeep-1)
	pipe.Expire(ctx, key, notificationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// Notifications returns the most recent notifications for a user, newest
// first.
func (s *Store) Notifications(ctx context.Context, userID string, limit int64) ([]models.Notification, error) {
	if limit <= 0 || limit > notificationKeep {
		limit = notificationKeep
	}
	raw, err := s.rdb.LRange(ctx, "notifications:"+userID, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	out := make([]models.Notification, 0, len(raw))
	for _, item := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// IsBlocked reports whether the user is on the block list.
func (s *Store) IsBlocked(ctx context.Context, userID string) (bool, error) {
	blocked, err := s.rdb.SIsMember(ctx, blockedKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check block list: %w", err)
	}
	return blocked, nil
}

// BlockUser adds a user to the block list.
func (s *Store) BlockUser(ctx context.Context, userID string) error {
	return s.rdb.SAdd(ctx, blockedKey, userID).Err()
}

// UnblockUser removes a user from the block list.
func (s *Store) UnblockUser(ctx context.Context, userID string) error {
	return s.rdb.SRem(ctx, blockedKey, userID).Err()
}

// MarkOnline mirrors a registry admission into Redis.
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	return s.rdb.SAdd(ctx, onlineKey, userID).Err()
}

// MarkOffline mirrors a registry removal into Redis.
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	return s.rdb.SRem(ctx, onlineKey, userID).Err()
}
