package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/logger"
)

const (
	exchangeName = "permetix-events"
	exchangeType = "topic"

	// queueCap bounds the publish backlog. Record drops events past
	// it rather than letting a stalled broker back-pressure the
	// ledger call path.
	queueCap = 256
)

// Firehose publishes ledger events to a RabbitMQ topic exchange for
// downstream billing and audit consumers (routing key = event kind).
// It is a best-effort observability sink: publishing runs on its own
// goroutine behind a bounded queue, so a slow or stalled broker can
// never add latency to a borrow or return, and failures are logged
// and swallowed, never surfaced to the caller.
type Firehose struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   chan domain.Event
	quit    chan struct{}
	done    chan struct{}
	log     *logger.Logger
}

// NewFirehose connects to RabbitMQ and declares the exchange.
func NewFirehose(amqpURL string, log *logger.Logger) (*Firehose, error) {
	if log == nil {
		log = logger.DefaultLogger()
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // args
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("event firehose connected", logger.Fields{"exchange": exchangeName})
	f := &Firehose{
		conn:    conn,
		channel: ch,
		queue:   make(chan domain.Event, queueCap),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
	go f.run()
	return f, nil
}

// Record implements domain.EventSink. It only enqueues: a full queue
// drops the event immediately instead of blocking the ledger.
func (f *Firehose) Record(event domain.Event) {
	select {
	case f.queue <- event:
	default:
		f.log.Warn("firehose queue full, event dropped", logger.Fields{
			"kind": string(event.Kind),
			"tool": event.Tool,
		})
	}
}

// run drains the queue until Close, then flushes whatever is already
// buffered.
func (f *Firehose) run() {
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			for {
				select {
				case event := <-f.queue:
					f.publish(event)
				default:
					return
				}
			}
		case event := <-f.queue:
			f.publish(event)
		}
	}
}

func (f *Firehose) publish(event domain.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		f.log.Error("failed to marshal firehose event", logger.Fields{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = f.channel.PublishWithContext(
		ctx,
		exchangeName,
		string(event.Kind), // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
		},
	)
	if err != nil {
		f.log.Warn("firehose publish failed", logger.Fields{
			"kind":  string(event.Kind),
			"tool":  event.Tool,
			"error": err.Error(),
		})
	}
}

// Close stops the publish goroutine, flushes the queued backlog and
// shuts down the channel and connection.
func (f *Firehose) Close() error {
	close(f.quit)
	<-f.done

	if err := f.channel.Close(); err != nil {
		f.conn.Close()
		return err
	}
	return f.conn.Close()
}
