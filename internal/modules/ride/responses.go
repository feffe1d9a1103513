// README: Driver offer responses arriving over RabbitMQ or the live websocket.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/notify"
	"rideflow/internal/types"
)

// MsgOfferResponse is the websocket frame type a driver sends to answer an offer.
const MsgOfferResponse = "offer_response"

// OfferResponseMessage is the wire shape on both channels. On RabbitMQ the
// routing key is driver.response.<driver_id>.
type OfferResponseMessage struct {
	BookingID string `json:"booking_id"`
	AttemptID string `json:"attempt_id"`
	DriverID  string `json:"driver_id,omitempty"`
	Accepted  *bool  `json:"accepted"`
}

func (m OfferResponseMessage) response(driverID types.ID) (dispatch.Response, error) {
	if m.BookingID == "" || m.AttemptID == "" || m.Accepted == nil {
		return dispatch.Response{}, fmt.Errorf("%w: booking_id, attempt_id and accepted are required", ErrUnknownResponse)
	}
	return dispatch.Response{
		BookingID: types.ID(m.BookingID),
		AttemptID: types.ID(m.AttemptID),
		DriverID:  driverID,
		Accept:    *m.Accepted,
	}, nil
}

// Consumer is the queue side of infra.RabbitMQ.
type Consumer interface {
	Consume(ctx context.Context, queue, consumer string, handler func(ctx context.Context, d amqp.Delivery) error) error
}

type ResponseConsumer struct {
	rides *Service
	log   *zap.Logger
}

func NewResponseConsumer(rides *Service, log *zap.Logger) *ResponseConsumer {
	return &ResponseConsumer{rides: rides, log: log.Named("ride.responses")}
}

// Run blocks until ctx ends or the broker drops the channel.
func (c *ResponseConsumer) Run(ctx context.Context, mq Consumer, queue string) error {
	return mq.Consume(ctx, queue, "dispatch-engine", c.HandleDelivery)
}

// HandleDelivery applies one broker message. Late or superseded answers are
// acked; malformed messages are rejected.
func (c *ResponseConsumer) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	var msg OfferResponseMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decode driver response: %w", err)
	}
	driverID := types.ID(msg.DriverID)
	if i := strings.LastIndex(d.RoutingKey, "."); i >= 0 && i+1 < len(d.RoutingKey) {
		keyID := types.ID(d.RoutingKey[i+1:])
		if driverID == "" {
			driverID = keyID
		} else if keyID != driverID {
			return fmt.Errorf("%w: routing key %s does not match driver %s", ErrUnknownResponse, d.RoutingKey, driverID)
		}
	}
	if driverID == "" {
		return fmt.Errorf("%w: driver_id missing", ErrUnknownResponse)
	}
	resp, err := msg.response(driverID)
	if err != nil {
		return err
	}
	return c.apply(ctx, resp)
}

// HandleFrame is a notify.InboundHandler for driver connections. The driver
// is always the authenticated user, never a field in the frame.
func (c *ResponseConsumer) HandleFrame(ctx context.Context, client *notify.Client, msgType string, data json.RawMessage) error {
	if msgType != MsgOfferResponse {
		return fmt.Errorf("%w: frame type %q", ErrUnknownResponse, msgType)
	}
	if client.Role != "driver" {
		return ErrForbidden
	}
	var msg OfferResponseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode offer response: %w", err)
	}
	resp, err := msg.response(client.UserID)
	if err != nil {
		return err
	}
	return c.rides.RespondToOffer(ctx, resp)
}

func (c *ResponseConsumer) apply(ctx context.Context, resp dispatch.Response) error {
	err := c.rides.RespondToOffer(ctx, resp)
	switch {
	case err == nil:
		return nil
	case IsStale(err), errors.Is(err, dispatch.ErrDriverUnavailable):
		c.log.Info("driver response discarded",
			zap.String("booking_id", resp.BookingID.String()),
			zap.String("driver_id", resp.DriverID.String()),
			zap.String("attempt_id", resp.AttemptID.String()),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}
