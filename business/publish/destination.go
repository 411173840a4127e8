package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// NATSDestination publishes feed messages on a NATS subject.
type NATSDestination struct {
	conn    *nats.Conn
	subject string
}

// NewNATSDestination builds a NATSDestination on an open connection.
func NewNATSDestination(conn *nats.Conn, subject string) *NATSDestination {
	return &NATSDestination{conn: conn, subject: subject}
}

// Publish implements Destination.
func (d *NATSDestination) Publish(_ context.Context, payload []byte) error {
	if err := d.conn.Publish(d.subject, payload); err != nil {
		return fmt.Errorf("publishing to subject %s: %w", d.subject, err)
	}
	return nil
}

// AMQPDestination publishes feed messages to an AMQP exchange. The channel
// is re-dialed on connection failure with a short bounded retry.
type AMQPDestination struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPDestination builds an AMQPDestination. The connection is opened
// lazily on first publish.
func NewAMQPDestination(url, exchange string) *AMQPDestination {
	return &AMQPDestination{url: url, exchange: exchange}
}

// Publish implements Destination.
func (d *AMQPDestination) Publish(ctx context.Context, payload []byte) error {
	operation := func() error {
		channel, err := d.ensureChannel()
		if err != nil {
			return err
		}
		err = channel.PublishWithContext(ctx, d.exchange, "", false, false, amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        payload,
			Timestamp:   time.Now(),
		})
		if err != nil {
			d.reset()
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("publishing to exchange %s: %w", d.exchange, err)
	}
	return nil
}

// Close shuts the connection down.
func (d *AMQPDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.channel = nil
	return err
}

func (d *AMQPDestination) ensureChannel() (*amqp.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel != nil && !d.conn.IsClosed() {
		return d.channel, nil
	}

	conn, err := amqp.Dial(d.url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(d.exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", d.exchange, err)
	}

	d.conn = conn
	d.channel = channel
	return channel, nil
}

func (d *AMQPDestination) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.conn = nil
	d.channel = nil
}
