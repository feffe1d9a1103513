// README: Notification events and the per-recipient message format.
package notify

import (
	"context"
	"fmt"
	"time"

	"rideflow/internal/modules/booking"
	"rideflow/internal/types"
)

type Kind string

const (
	KindBookingCreated   Kind = "booking_created"
	KindBookingConfirmed Kind = "booking_confirmed"
	KindSearching        Kind = "searching"
	KindOffer            Kind = "offer"
	KindOfferRevoked     Kind = "offer_revoked"
	KindDriverAssigned   Kind = "driver_assigned"
	KindNoDriverFound    Kind = "no_driver_found"
	KindDriverEnRoute    Kind = "driver_en_route"
	KindDriverArrived    Kind = "driver_arrived"
	KindTripStarted      Kind = "trip_started"
	KindTripCompleted    Kind = "trip_completed"
	KindCancelled        Kind = "booking_cancelled"
	KindNoShow           Kind = "no_show"
	KindRefunded         Kind = "refunded"
	KindDisputeOpened    Kind = "dispute_opened"
)

// Event is one state change to announce. Recipients get one message each.
type Event struct {
	Kind       Kind
	Booking    *booking.Booking
	Actor      booking.Actor
	Recipients []types.ID
	Data       map[string]string
}

// Message is what a delivery collaborator receives.
type Message struct {
	Type    string            `json:"type"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// Emitter is the fire-and-forget side of the dispatcher.
type Emitter interface {
	Emit(ev Event)
}

// Delivery sends one message to one user. At most one attempt per call.
type Delivery interface {
	Send(ctx context.Context, userID types.ID, msg Message) error
}

var titles = map[Kind]string{
	KindBookingCreated:   "Booking received",
	KindBookingConfirmed: "Booking confirmed",
	KindSearching:        "Finding you a driver",
	KindOffer:            "New ride offer",
	KindOfferRevoked:     "Offer withdrawn",
	KindDriverAssigned:   "Driver assigned",
	KindNoDriverFound:    "No driver found",
	KindDriverEnRoute:    "Driver on the way",
	KindDriverArrived:    "Driver has arrived",
	KindTripStarted:      "Trip started",
	KindTripCompleted:    "Trip completed",
	KindCancelled:        "Booking cancelled",
	KindNoShow:           "Passenger no-show",
	KindRefunded:         "Booking refunded",
	KindDisputeOpened:    "Dispute opened",
}

// Format builds the message body. It never fails; unknown kinds get a
// generic title.
func Format(ev Event) Message {
	data := make(map[string]string, len(ev.Data)+3)
	for k, v := range ev.Data {
		data[k] = v
	}
	title, ok := titles[ev.Kind]
	if !ok {
		title = "Booking update"
	}
	body := title
	if b := ev.Booking; b != nil {
		data["booking_id"] = b.ID.String()
		data["status"] = string(b.Status)
		body = fmt.Sprintf("Booking %s: %s", b.ID, describe(ev, b))
		if c := b.Cancellation; c != nil && ev.Kind == KindCancelled {
			data["fee"] = fmt.Sprintf("%d", c.FeeCharged.Amount)
			data["currency"] = c.FeeCharged.Currency
			data["reason"] = c.Reason
		}
	}
	if ev.Actor.Type != "" {
		data["actor"] = ev.Actor.Type
	}
	return Message{Type: string(ev.Kind), Title: title, Message: body, Data: data}
}

func describe(ev Event, b *booking.Booking) string {
	switch ev.Kind {
	case KindOffer:
		if d, ok := ev.Data["deadline"]; ok {
			if t, err := time.Parse(time.RFC3339, d); err == nil {
				return fmt.Sprintf("respond before %s", t.Format("15:04:05"))
			}
		}
		return "respond before the offer expires"
	case KindCancelled:
		if b.Cancellation != nil && b.Cancellation.FeeCharged.Amount > 0 {
			return fmt.Sprintf("cancelled, fee %d %s", b.Cancellation.FeeCharged.Amount, b.Cancellation.FeeCharged.Currency)
		}
		return "cancelled"
	case KindNoDriverFound:
		return "no driver accepted in time"
	}
	return string(b.Status)
}
