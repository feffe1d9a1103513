// README: Delivery collaborators: log sink, fan-out, FCM push and AMQP publish.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rideflow/internal/types"
)

var ErrNoDeviceToken = errors.New("no device token registered")

// LogDelivery writes each message to the log.
type LogDelivery struct {
	log *zap.Logger
}

func NewLogDelivery(log *zap.Logger) *LogDelivery {
	return &LogDelivery{log: log.Named("notify.log")}
}

func (d *LogDelivery) Send(_ context.Context, userID types.ID, msg Message) error {
	d.log.Info("notification",
		zap.String("user_id", userID.String()),
		zap.String("type", msg.Type),
		zap.String("title", msg.Title),
		zap.String("message", msg.Message),
		zap.Any("data", msg.Data),
	)
	return nil
}

// Multi sends to every delivery and joins their errors.
type Multi []Delivery

func (m Multi) Send(ctx context.Context, userID types.ID, msg Message) error {
	var errs []error
	for _, d := range m {
		if err := d.Send(ctx, userID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TokenStore maps users to their FCM device token.
type TokenStore interface {
	Token(ctx context.Context, userID types.ID) (string, error)
	SetToken(ctx context.Context, userID types.ID, token string) error
}

const deviceTokenKey = "dispatch:device_tokens"

type RedisTokenStore struct {
	redis *redis.Client
}

func NewRedisTokenStore(rdb *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{redis: rdb}
}

func (s *RedisTokenStore) Token(ctx context.Context, userID types.ID) (string, error) {
	tok, err := s.redis.HGet(ctx, deviceTokenKey, string(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoDeviceToken
	}
	return tok, err
}

func (s *RedisTokenStore) SetToken(ctx context.Context, userID types.ID, token string) error {
	return s.redis.HSet(ctx, deviceTokenKey, string(userID), token).Err()
}

type fcmSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMDelivery pushes through Firebase Cloud Messaging.
type FCMDelivery struct {
	client fcmSender
	tokens TokenStore
	log    *zap.Logger
}

func NewFCMDelivery(client *messaging.Client, tokens TokenStore, log *zap.Logger) *FCMDelivery {
	return &FCMDelivery{client: client, tokens: tokens, log: log.Named("notify.fcm")}
}

func (d *FCMDelivery) Send(ctx context.Context, userID types.ID, msg Message) error {
	token, err := d.tokens.Token(ctx, userID)
	if err != nil {
		return fmt.Errorf("fcm token for %s: %w", userID, err)
	}
	if token == "" {
		return fmt.Errorf("fcm token for %s: %w", userID, ErrNoDeviceToken)
	}
	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["type"] = msg.Type
	id, err := d.client.Send(ctx, &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Message,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return fmt.Errorf("sending FCM to %s: %w", userID, err)
	}
	d.log.Debug("fcm sent", zap.String("user_id", userID.String()), zap.String("message_id", id))
	return nil
}

// Publisher is satisfied by infra.RabbitMQ.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// AMQPDelivery publishes each message to a topic exchange keyed by type.
type AMQPDelivery struct {
	pub      Publisher
	exchange string
}

func NewAMQPDelivery(pub Publisher, exchange string) *AMQPDelivery {
	return &AMQPDelivery{pub: pub, exchange: exchange}
}

type amqpEnvelope struct {
	UserID types.ID `json:"user_id"`
	Message
}

func (d *AMQPDelivery) Send(ctx context.Context, userID types.ID, msg Message) error {
	body, err := json.Marshal(amqpEnvelope{UserID: userID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := d.pub.Publish(ctx, d.exchange, "notify."+msg.Type, body); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
