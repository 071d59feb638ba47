package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var errNacked = errors.New("amqp: publish nacked by broker")

// AMQPPublisher publishes signed envelopes to a durable topic exchange.
// Routing key is the event type, e.g. delivery.action.executed.v1.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	secret   string
	log      *slog.Logger
}

func NewAMQPPublisher(url, exchange, secret string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, secret: secret, log: logger}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, sig, err := Encode(ev, p.secret)
	if err != nil {
		return err
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}
	headers := amqp091.Table{}
	if sig != "" {
		headers[SignatureHeader] = sig
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey(ev), false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.ShipmentID,
		Timestamp:     time.Now(),
		Type:          ev.Type,
		Headers:       headers,
		Body:          body,
	})
	if err != nil {
		return err
	}
	if ok, err := conf.WaitContext(ctx); err != nil {
		return err
	} else if !ok {
		return errNacked
	}
	p.log.Debug("published", slog.String("key", routingKey(ev)), slog.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) Close() error { return p.conn.Close() }

func routingKey(ev Event) string { return strings.ToLower(ev.Type) }
