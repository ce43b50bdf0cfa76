package txqueue

import (
	"context"
	"errors"
	"sync"
)

// WakeHandler 处理入队唤醒信号携带的请求 ID。
type WakeHandler func(ctx context.Context, requestID string) error

// Producer 在新请求入队后发布唤醒信号。
type Producer interface {
	Publish(ctx context.Context, requestID string) error
	Close() error
}

// Consumer 订阅唤醒信号。信号只用于缩短轮询延迟，领取的正确性完全由
// Store 的原子操作保证，丢失或重复的信号都是无害的。
type Consumer interface {
	Consume(ctx context.Context, handler WakeHandler) error
	Close() error
}

// Notifier 同时具备发布与订阅能力。
type Notifier interface {
	Producer
	Consumer
}

// MemoryNotifier 使用 channel 模拟唤醒通道，主要用于测试。
type MemoryNotifier struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryNotifier 创建内存唤醒通道。
func NewMemoryNotifier(size int) *MemoryNotifier {
	if size <= 0 {
		size = 64
	}
	return &MemoryNotifier{ch: make(chan string, size)}
}

// Publish 投递唤醒信号。通道已满时直接丢弃，轮询兜底。发送在锁内完成，
// 保证不会与 Close 的关闭动作竞争。
func (n *MemoryNotifier) Publish(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("唤醒通道已关闭")
	}
	select {
	case n.ch <- requestID:
	default:
	}
	return nil
}

// Consume 消费唤醒信号直到上下文取消。
func (n *MemoryNotifier) Consume(ctx context.Context, handler WakeHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case requestID, ok := <-n.ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, requestID)
		}
	}
}

// Close 关闭内存唤醒通道。
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	if !n.closed {
		close(n.ch)
		n.closed = true
	}
	n.mu.Unlock()
	return nil
}

var _ Notifier = (*MemoryNotifier)(nil)
