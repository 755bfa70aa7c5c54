// Package presencecache mirrors board presence into Redis so dashboards outside
// the synchronizer can read who is on a board without holding a connection.
package presencecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "boardsync:presence:"

var (
	errMissingClient = errors.New("redis client is required")
	errInvalidTTL    = errors.New("presence ttl must be positive")
)

// Store is the subset of the redis client the mirror writes through.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config wires the mirror.
type Config struct {
	Client Store
	TTL    time.Duration
	Logger *zap.Logger
}

// Mirror writes one key per (board, user) with a TTL. Offline users are deleted.
type Mirror struct {
	client Store
	ttl    time.Duration
	logger *zap.Logger
}

var _ collab.PresenceSink = (*Mirror)(nil)

// NewMirror validates the configuration and constructs a Mirror.
func NewMirror(cfg Config) (*Mirror, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.TTL <= 0 {
		return nil, errInvalidTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{client: cfg.Client, ttl: cfg.TTL, logger: logger}, nil
}

// NewRedisClient opens a go-redis client and checks connectivity.
func NewRedisClient(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: address, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", address, err)
	}
	return client, nil
}

// Key returns the redis key of a user's presence on a board.
func Key(boardID collab.BoardID, userID collab.UserID) string {
	return keyPrefix + boardID.String() + ":" + userID.String()
}

// PresenceChanged renews or removes the mirrored record.
func (m *Mirror) PresenceChanged(ctx context.Context, boardID collab.BoardID, record collab.PresenceRecord) error {
	key := Key(boardID, record.UserID)
	if record.Status == collab.PresenceOffline {
		if err := m.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("presence del %s: %w", key, err)
		}
		m.logger.Debug("presence mirror cleared", zap.String("key", key))
		return nil
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("presence encode %s: %w", key, err)
	}
	if err := m.client.Set(ctx, key, encoded, m.ttl).Err(); err != nil {
		return fmt.Errorf("presence set %s: %w", key, err)
	}
	return nil
}

// Lookup reads a mirrored record. found is false when the key expired or was never set.
func (m *Mirror) Lookup(ctx context.Context, boardID collab.BoardID, userID collab.UserID) (collab.PresenceRecord, bool, error) {
	key := Key(boardID, userID)
	raw, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return collab.PresenceRecord{}, false, nil
	}
	if err != nil {
		return collab.PresenceRecord{}, false, fmt.Errorf("presence get %s: %w", key, err)
	}
	var record collab.PresenceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return collab.PresenceRecord{}, false, fmt.Errorf("presence decode %s: %w", key, err)
	}
	return record, true, nil
}
