package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tos-network/stratum-splitter/internal/util"
)

const (
	keyPrefix = "splitter:"

	keyBlacklist = keyPrefix + "blacklist"
	keyWhitelist = keyPrefix + "whitelist"
	keyStatus    = keyPrefix + "status"
)

// RedisClient wraps the Redis operations the proxy needs: the policy
// ban/allow lists and a best-effort status snapshot for recovery
// display after a restart. It does not persist shares, blocks, or
// payments — the proxy forwards shares upstream and never owns payout
// accounting.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// IsBlacklisted checks if a worker name is blacklisted.
func (r *RedisClient) IsBlacklisted(workerName string) (bool, error) {
	return r.client.SIsMember(r.ctx, keyBlacklist, workerName).Result()
}

// IsWhitelisted checks if an IP is whitelisted.
func (r *RedisClient) IsWhitelisted(ip string) (bool, error) {
	return r.client.SIsMember(r.ctx, keyWhitelist, ip).Result()
}

// AddToBlacklist adds a worker name to the blacklist.
func (r *RedisClient) AddToBlacklist(workerName string) error {
	return r.client.SAdd(r.ctx, keyBlacklist, workerName).Err()
}

// RemoveFromBlacklist removes a worker name from the blacklist.
func (r *RedisClient) RemoveFromBlacklist(workerName string) error {
	return r.client.SRem(r.ctx, keyBlacklist, workerName).Err()
}

// GetBlacklist returns all blacklisted worker names.
func (r *RedisClient) GetBlacklist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyBlacklist).Result()
}

// GetWhitelist returns all whitelisted IPs.
func (r *RedisClient) GetWhitelist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyWhitelist).Result()
}

// AddToWhitelist adds an IP to the whitelist.
func (r *RedisClient) AddToWhitelist(ip string) error {
	return r.client.SAdd(r.ctx, keyWhitelist, ip).Err()
}

// RemoveFromWhitelist removes an IP from the whitelist.
func (r *RedisClient) RemoveFromWhitelist(ip string) error {
	return r.client.SRem(r.ctx, keyWhitelist, ip).Err()
}

// PutStatusSnapshot persists the current proxy status for display after
// a restart, before the live state has repopulated.
func (r *RedisClient) PutStatusSnapshot(snap *StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, keyStatus, data, 0).Err()
}

// GetStatusSnapshot returns the last persisted status snapshot, or nil
// if none has been written yet.
func (r *RedisClient) GetStatusSnapshot() (*StatusSnapshot, error) {
	data, err := r.client.Get(r.ctx, keyStatus).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StatusSnapshotInterval is how often the API server rewrites the
// persisted snapshot when Redis is enabled.
const StatusSnapshotInterval = 30 * time.Second
