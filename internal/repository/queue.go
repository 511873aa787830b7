package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const matchQueueKey = "matchmaking:queue"

// QueueRepository is the matchmaking wait list. A Redis list keeps exact
// arrival order, so PopPair always returns the two longest-waiting IDs.
type QueueRepository interface {
	Enqueue(ctx context.Context, playerID string) error
	PopPair(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, playerID string) error
	Len(ctx context.Context) (int64, error)
}

type dbQueue struct {
	client *redis.Client
}

func NewQueueRepository(client *redis.Client) QueueRepository {
	return &dbQueue{
		client: client,
	}
}

func (that *dbQueue) Enqueue(ctx context.Context, playerID string) error {
	_, err := that.client.LPos(ctx, matchQueueKey, playerID, redis.LPosArgs{}).Result()
	if err == nil {
		// already waiting
		return nil
	}

	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check queue membership: %w", err)
	}

	if err = that.client.RPush(ctx, matchQueueKey, playerID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue player: %w", err)
	}

	return nil
}

// PopPair removes and returns the two head entries, or nil when fewer
// than two players are waiting.
func (that *dbQueue) PopPair(ctx context.Context) ([]string, error) {
	length, err := that.Len(ctx)
	if err != nil {
		return nil, err
	}

	if length < 2 {
		return nil, nil
	}

	pair, err := that.client.LPopCount(ctx, matchQueueKey, 2).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop pair from queue: %w", err)
	}

	return pair, nil
}

func (that *dbQueue) Remove(ctx context.Context, playerID string) error {
	if err := that.client.LRem(ctx, matchQueueKey, 0, playerID).Err(); err != nil {
		return fmt.Errorf("failed to remove player from queue: %w", err)
	}

	return nil
}

func (that *dbQueue) Len(ctx context.Context) (int64, error) {
	length, err := that.client.LLen(ctx, matchQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}

	return length, nil
}
