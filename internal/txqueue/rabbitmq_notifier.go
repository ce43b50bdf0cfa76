package txqueue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQNotifierConfig 描述 RabbitMQ 唤醒通道的连接参数。
type RabbitMQNotifierConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQNotifier 使用 RabbitMQ 队列传递入队唤醒信号。
type RabbitMQNotifier struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQNotifier 创建 RabbitMQ 唤醒通道。
func NewRabbitMQNotifier(cfg RabbitMQNotifierConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "jinn.tx_wake"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将唤醒信号投递到 RabbitMQ。
func (n *RabbitMQNotifier) Publish(ctx context.Context, requestID string) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 唤醒通道未初始化")
	}
	return n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(requestID),
	})
}

// Consume 以自动确认模式消费唤醒信号。信号允许丢失，轮询会兜底。
func (n *RabbitMQNotifier) Consume(ctx context.Context, handler WakeHandler) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 唤醒通道未初始化")
	}
	msgs, err := n.ch.Consume(n.queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			_ = handler(ctx, string(msg.Body))
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

var _ Notifier = (*RabbitMQNotifier)(nil)
