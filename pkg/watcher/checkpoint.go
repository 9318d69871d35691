package watcher

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Checkpoint persists the last block a watcher fully delivered
type Checkpoint interface {
	Load(ctx context.Context, name string) (uint64, bool, error)
	Save(ctx context.Context, name string, block uint64) error
}

// RedisCheckpoint stores cursors under watcher:<name>:cursor
type RedisCheckpoint struct {
	client *redis.Client
}

// NewRedisCheckpoint creates a checkpoint on client
func NewRedisCheckpoint(client *redis.Client) *RedisCheckpoint {
	return &RedisCheckpoint{client: client}
}

func cursorKey(name string) string {
	return "watcher:" + name + ":cursor"
}

// Load implements Checkpoint
func (c *RedisCheckpoint) Load(ctx context.Context, name string) (uint64, bool, error) {
	raw, err := c.client.Get(ctx, cursorKey(name)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to load cursor of %s", name)
	}
	block, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "corrupt cursor of %s", name)
	}
	return block, true, nil
}

// Save implements Checkpoint
func (c *RedisCheckpoint) Save(ctx context.Context, name string, block uint64) error {
	if err := c.client.Set(ctx, cursorKey(name), strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to save cursor of %s", name)
	}
	return nil
}
