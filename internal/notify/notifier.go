package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/yieldledger/backend/internal/models"
)

const DefaultQueueKey = "notifications:investment_completed"

// RedisQueueNotifier pushes completion notices onto a Redis list consumed by
// the email worker.
type RedisQueueNotifier struct {
	client   *redis.Client
	queueKey string
}

func NewRedisQueueNotifier(client *redis.Client, queueKey string) *RedisQueueNotifier {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	return &RedisQueueNotifier{client: client, queueKey: queueKey}
}

type queuedNotice struct {
	Kind   string                  `json:"kind"`
	Notice models.CompletionNotice `json:"notice"`
}

func (n *RedisQueueNotifier) SendCompletion(ctx context.Context, notice models.CompletionNotice) error {
	data, err := json.Marshal(queuedNotice{Kind: "investment_completed", Notice: notice})
	if err != nil {
		return err
	}
	if err := n.client.RPush(ctx, n.queueKey, data).Err(); err != nil {
		return fmt.Errorf("queue completion notice for investment %d: %w", notice.InvestmentID, err)
	}
	return nil
}
