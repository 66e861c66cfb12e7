package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueOpportunities 交易机会队列
const QueueOpportunities = "queue:opportunities"

// Queue 基于Redis列表的FIFO队列，LPUSH入队，BRPOP出队
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue 创建队列，keyPrefix 为空时直接使用 name
func NewQueue(client *redis.Client, keyPrefix, name string) *Queue {
	return &Queue{client: client, key: keyPrefix + name}
}

// Key 队列完整键名
func (q *Queue) Key() string {
	return q.key
}

// Push 入队原始数据
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("任务入队失败: %w", err)
	}
	return nil
}

// Pop 阻塞出队，超时返回 nil, nil
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	// BRPop 返回 [queueName, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("从队列获取的数据结构不正确")
	}
	return []byte(result[1]), nil
}

// Len 队列长度
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
