// Package events fans outcome events out to in-process subscribers, Redis, RabbitMQ and webhooks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	TypeActionExecuted           = "delivery.action.executed.v1"
	TypeConversationTransitioned = "delivery.conversation.transitioned.v1"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ShipmentID string         `json:"shipmentId"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data"`
}

func New(typ, shipmentID string, at time.Time, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Type: typ, ShipmentID: shipmentID, Time: at.UTC(), Data: data}
}

// Envelope is the wire form used by external sinks.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
}

const producer = "lastmile-delivery-core"

// Encode marshals ev in its envelope and signs it when secret is non-empty.
func Encode(ev Event, secret string) (body []byte, signature string, err error) {
	body, err = json.Marshal(Envelope{Meta: Meta{ID: ev.ID, Type: ev.Type, Producer: producer, Time: ev.Time}, Data: ev})
	if err != nil {
		return nil, "", err
	}
	if secret != "" {
		signature = SignHMAC(secret, body)
	}
	return body, signature, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	// Subscribe delivers events for one shipment until cancel is called.
	Subscribe(shipmentID string) (ch <-chan Event, cancel func())
}

// Multi publishes to every sink and joins their errors. A failing sink does not stop the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a Publisher so failures are logged and never returned.
type BestEffort struct {
	Next Publisher
	Log  *slog.Logger
}

func (b BestEffort) Publish(ctx context.Context, ev Event) error {
	if b.Next == nil {
		return nil
	}
	if err := b.Next.Publish(ctx, ev); err != nil {
		log := b.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("event publish failed", slog.String("type", ev.Type), slog.String("shipment_id", ev.ShipmentID), slog.Any("err", err))
	}
	return nil
}
