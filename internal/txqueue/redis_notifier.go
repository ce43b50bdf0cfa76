package txqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNotifierConfig 描述 Redis 唤醒通道的连接参数。
type RedisNotifierConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// RedisNotifier 使用 Redis list 传递入队唤醒信号。
type RedisNotifier struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisNotifier 创建 Redis 唤醒通道。
func NewRedisNotifier(cfg RedisNotifierConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "jinn:tx_wake"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisNotifier{client: client, key: key, wait: wait}, nil
}

// Publish 将唤醒信号投递到 Redis。
func (n *RedisNotifier) Publish(ctx context.Context, requestID string) error {
	if err := n.client.LPush(ctx, n.key, requestID).Err(); err != nil {
		return fmt.Errorf("Redis 发布唤醒信号失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 阻塞等待唤醒信号。
func (n *RedisNotifier) Consume(ctx context.Context, handler WakeHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := n.client.BRPop(ctx, n.wait, n.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			if err == redis.Nil {
				continue
			}
			return fmt.Errorf("Redis 取唤醒信号失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		// 信号只是提示，处理失败无需重投，轮询会兜底。
		_ = handler(ctx, values[1])
	}
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
