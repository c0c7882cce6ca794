package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSinkConfig 描述事件广播用的交换机。
type RabbitMQSinkConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQSink 把事件发布到 fanout 交换机，供任意数量的订阅方消费。
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

var _ Sink = (*RabbitMQSink)(nil)

// NewRabbitMQSink 构造 RabbitMQ 事件通道。
func NewRabbitMQSink(cfg RabbitMQSinkConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentpay.events"
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
	if err := ch.ExchangeDeclare(exchange, "fanout", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 实现 Sink 接口。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Deliver 发布事件，路由键使用事件类型。
func (s *RabbitMQSink) Deliver(ctx context.Context, event Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 事件通道未初始化")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, event.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
