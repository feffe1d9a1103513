// README: RabbitMQ connection with connect retry, topology and publish/consume helpers.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrChannelUnavailable = errors.New("rabbitmq channel not available")

// Topology names shared by the publisher and the driver response consumer.
const (
	EventsExchange        = "dispatch_events"
	DriverExchange        = "driver_topic"
	DriverResponseQueue   = "dispatch_driver_responses"
	DriverResponsePattern = "driver.response.*"
)

type RabbitMQ struct {
	url    string
	conn   *amqp.Connection
	ch     *amqp.Channel
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRabbitMQ dials url, retrying with a growing delay up to maxRetries.
func NewRabbitMQ(ctx context.Context, url string, maxRetries int, log *zap.Logger) (*RabbitMQ, error) {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	mq := &RabbitMQ{url: url, log: log.Named("rabbitmq")}
	delay := time.Second
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := mq.connect()
		if err == nil {
			mq.log.Info("rabbitmq connected", zap.Int("attempt", attempt))
			return mq, nil
		}
		mq.log.Warn("rabbitmq connect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if attempt == maxRetries {
			return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", maxRetries, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, errors.New("rabbitmq retry loop exited")
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.Dial(mq.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	mq.mu.Lock()
	mq.conn = conn
	mq.ch = ch
	mq.mu.Unlock()
	return nil
}

// DeclareTopology creates the exchanges and the driver response queue.
func (mq *RabbitMQ) DeclareTopology() error {
	ch := mq.channel()
	if ch == nil {
		return ErrChannelUnavailable
	}
	for _, name := range []string{EventsExchange, DriverExchange} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	q, err := ch.QueueDeclare(DriverResponseQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, DriverResponsePattern, DriverExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (mq *RabbitMQ) channel() *amqp.Channel {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.ch
}

// Publish sends a persistent JSON message.
func (mq *RabbitMQ) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch := mq.channel()
	if ch == nil {
		return ErrChannelUnavailable
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(publishCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Consume blocks delivering messages from queue to handler until ctx ends
// or the broker closes the channel. A handler error nacks without requeue.
func (mq *RabbitMQ) Consume(ctx context.Context, queue, consumer string, handler func(ctx context.Context, d amqp.Delivery) error) error {
	ch := mq.channel()
	if ch == nil {
		return ErrChannelUnavailable
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	mq.log.Info("consumer started", zap.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer %s: delivery channel closed", queue)
			}
			if err := handler(ctx, msg); err != nil {
				mq.log.Warn("message rejected",
					zap.String("queue", queue),
					zap.String("routing_key", msg.RoutingKey),
					zap.Error(err),
				)
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

func (mq *RabbitMQ) Close() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.closed {
		return
	}
	mq.closed = true
	if mq.ch != nil {
		_ = mq.ch.Close()
	}
	if mq.conn != nil {
		_ = mq.conn.Close()
	}
	mq.log.Info("rabbitmq closed")
}
