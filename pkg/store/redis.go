package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog is a Redis-backed durable update log. Each workspace's
// history lives in a sorted set scored by CreatedAt unix nanoseconds,
// so range reads come back in replay order. Suitable for multi-server
// deployments with shared history.
type RedisLog struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// redisRecord is the JSON member form stored in the sorted set.
type redisRecord struct {
	ID        string `json:"id"`
	Payload   []byte `json:"payload"`
	ByteSize  int64  `json:"byte_size"`
	UserID    string `json:"user_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// RedisLogOption configures RedisLog behavior.
type RedisLogOption func(*redisLogConfig)

type redisLogConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for workspace histories.
// Default: "loomsync:updates:".
func WithRedisPrefix(prefix string) RedisLogOption {
	return func(c *redisLogConfig) {
		c.prefix = prefix
	}
}

// NewRedisLog creates a Redis-backed update log from an existing client.
func NewRedisLog(client *redis.Client, opts ...RedisLogOption) *RedisLog {
	cfg := &redisLogConfig{
		prefix: "loomsync:updates:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisLog{
		client: client,
		prefix: cfg.prefix,
	}
}

// NewRedisLogURL creates a Redis-backed update log by connecting to the
// given URL and verifying the connection.
func NewRedisLogURL(ctx context.Context, redisURL string, opts ...RedisLogOption) (*RedisLog, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	return NewRedisLog(client, opts...), nil
}

// key returns the sorted-set key for a workspace.
func (r *RedisLog) key(workspaceID string) string {
	return r.prefix + workspaceID
}

// AppendRecord durably writes one record.
func (r *RedisLog) AppendRecord(ctx context.Context, rec UpdateRecord) error {
	if r.closed.Load() {
		return ErrLogClosed
	}

	member, err := json.Marshal(redisRecord{
		ID:        rec.ID,
		Payload:   rec.Payload,
		ByteSize:  rec.ByteSize,
		UserID:    rec.UserID,
		CreatedAt: rec.CreatedAt.UnixNano(),
	})
	if err != nil {
		return &LogError{Op: "append", Err: err}
	}

	err = r.client.ZAdd(ctx, r.key(rec.WorkspaceID), redis.Z{
		Score:  float64(rec.CreatedAt.UnixNano()),
		Member: member,
	}).Err()
	if err != nil {
		return &LogError{Op: "append", Err: err}
	}
	return nil
}

// LoadRecords returns a workspace's records in CreatedAt order.
func (r *RedisLog) LoadRecords(ctx context.Context, workspaceID string) ([]UpdateRecord, error) {
	if r.closed.Load() {
		return nil, ErrLogClosed
	}
	return r.loadRange(ctx, workspaceID, "-inf", "+inf")
}

// PruneRecords removes records created before the cutoff and returns
// them for archiving.
func (r *RedisLog) PruneRecords(ctx context.Context, workspaceID string, cutoff time.Time) ([]UpdateRecord, error) {
	if r.closed.Load() {
		return nil, ErrLogClosed
	}

	// Exclusive upper bound: members strictly older than the cutoff.
	max := "(" + strconv.FormatInt(cutoff.UnixNano(), 10)
	removed, err := r.loadRange(ctx, workspaceID, "-inf", max)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := r.client.ZRemRangeByScore(ctx, r.key(workspaceID), "-inf", max).Err(); err != nil {
		return nil, &LogError{Op: "prune", Err: err}
	}
	return removed, nil
}

// DeleteWorkspace removes the entire durable history for a workspace.
func (r *RedisLog) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if r.closed.Load() {
		return ErrLogClosed
	}

	if err := r.client.Del(ctx, r.key(workspaceID)).Err(); err != nil {
		return &LogError{Op: "delete", Err: err}
	}
	return nil
}

// CountRecords reports record count and total payload bytes.
func (r *RedisLog) CountRecords(ctx context.Context, workspaceID string) (int64, int64, error) {
	if r.closed.Load() {
		return 0, 0, ErrLogClosed
	}

	recs, err := r.loadRange(ctx, workspaceID, "-inf", "+inf")
	if err != nil {
		return 0, 0, err
	}
	var bytes int64
	for _, rec := range recs {
		bytes += rec.ByteSize
	}
	return int64(len(recs)), bytes, nil
}

// Close marks the log as closed.
// Note: This does not close the underlying Redis client,
// as it may be shared with other components.
func (r *RedisLog) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *RedisLog) loadRange(ctx context.Context, workspaceID, min, max string) ([]UpdateRecord, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key(workspaceID), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, &LogError{Op: "load", Err: err}
	}

	out := make([]UpdateRecord, 0, len(members))
	for _, member := range members {
		var rr redisRecord
		if err := json.Unmarshal([]byte(member), &rr); err != nil {
			return nil, &LogError{Op: "load", Err: err}
		}
		out = append(out, UpdateRecord{
			ID:          rr.ID,
			WorkspaceID: workspaceID,
			Payload:     rr.Payload,
			ByteSize:    rr.ByteSize,
			UserID:      rr.UserID,
			CreatedAt:   time.Unix(0, rr.CreatedAt).UTC(),
		})
	}
	return out, nil
}
