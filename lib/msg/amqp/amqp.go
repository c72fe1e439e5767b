// Package amqp implements the broadcast bus for AMQP compliant brokers (ie RabbitMQ). Events are published to a
// fanout exchange; every subscriber consumes from its own exclusive queue bound to it.
package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
	"github.com/tarancss/ledgerfeed/lib/msg"
)

// Amqp implements a connection to a broker and a publishing channel for reuse.
type Amqp struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger

	l  sync.Mutex // guards ch, amqp channels are not safe for concurrent publishing
	ch *amqp.Channel
}

// New instantiates a new amqp bus publishing to exchange.
func New(uri, exchange string, log *zap.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to amqp broker: %w", err)
	}

	log.Info("connected to amqp broker", zap.String("exchange", exchange))

	return &Amqp{conn: conn, exchange: exchange, log: log}, nil
}

// Setup obtains a one-use channel and declares the events exchange.
func (r *Amqp) Setup() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(r.exchange, amqp.ExchangeFanout, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	r.l.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp channel", zap.Error(err))
		}
		r.ch = nil
	}
	r.l.Unlock()

	return r.conn.Close()
}

// Publish implements msg.Bus.
func (r *Amqp) Publish(_ context.Context, ev types.Event) error {
	body, err := msg.Encode(ev)
	if err != nil {
		return err
	}

	r.l.Lock()
	defer r.l.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return fmt.Errorf("cannot open amqp channel: %w", err)
		}
	}

	m := amqp.Publishing{
		Headers:     amqp.Table{"x-event-id": ev.ID()},
		Body:        body,
		ContentType: msg.ContentType,
	}

	if err = r.ch.Publish(r.exchange, ev.Kind.String(), false, false, m); err != nil {
		// a failed publish closes the channel, get a new one next time
		r.ch = nil

		return fmt.Errorf("cannot publish event %s: %w", ev.ID(), err)
	}

	return nil
}

// Subscribe implements msg.Bus. Messages are auto-acknowledged: delivery is at most once.
func (r *Amqp) Subscribe(ctx context.Context) (<-chan types.Event, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("cannot open amqp channel: %w", err)
	}

	// declare a server-named exclusive queue, deleted when this consumer goes away
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()

		return nil, err
	}

	// bind queue to exchange
	if err = ch.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		ch.Close()

		return nil, err
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()

		return nil, err
	}

	out := make(chan types.Event, 256)

	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}

				ev, err := msg.Decode(m.Body)
				if err != nil {
					metrics.BackendErrors.WithLabelValues("bus").Inc()
					r.log.Warn("dropping undecodable amqp message", zap.String("queue", q.Name), zap.Error(err))

					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
