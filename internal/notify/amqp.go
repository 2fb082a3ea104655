package notify

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a durable fanout exchange.
type AMQP struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
}

func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	a, err := newAMQP(ch, exchange)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	a.conn = conn
	return a, nil
}

func newAMQP(ch channel, exchange string) (*AMQP, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &AMQP{ch: ch, exchange: exchange}, nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Publish(_ context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return a.ch.Publish(a.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.At,
		Body:         body,
	})
}

func (a *AMQP) Close() error {
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
