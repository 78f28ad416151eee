package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/trip-dispatch/internal/models"
)

const DefaultExchange = "trip_events"

var errAMQPClosed = errors.New("amqp connection is closed")

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events to a topic exchange. Routing keys are
// trip.location.<tripId> and trip.status.<status>.
type AMQPSink struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   amqpChannel
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{exchange: exchange, conn: conn, ch: ch}, nil
}

func (a *AMQPSink) AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error {
	return a.publish(ctx, "trip.location."+ev.TripID, ev)
}

func (a *AMQPSink) AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error {
	return a.publish(ctx, "trip.status."+string(ev.Status), ev)
}

func (a *AMQPSink) publish(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || (a.conn != nil && a.conn.IsClosed()) {
		return errAMQPClosed
	}
	return a.ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			return fmt.Errorf("close amqp channel: %w", err)
		}
		a.ch = nil
	}
	if a.conn != nil && !a.conn.IsClosed() {
		if err := a.conn.Close(); err != nil {
			return fmt.Errorf("close amqp connection: %w", err)
		}
	}
	return nil
}
