// Package broker implements the Broker Link (spec.md §4.B): the sole
// owner of one AMQP connection and one channel, wrapping
// streadway/amqp the way drlucaa-shopstream's eventbus.RabbitMQManager
// wraps it, but narrowed to exactly the operations spec.md names and with
// every channel-touching call serialized through a single mutex so
// concurrent delivery pipelines never race a write to the shared channel.
package broker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// ErrNotFound is returned by CheckQueue/Subscribe when the broker reports
// the queue does not exist (AMQP 404 NOT_FOUND).
var ErrNotFound = errors.New("broker: queue not found")

// EventType enumerates the lifecycle events the Reconnect Supervisor
// listens for (spec.md §4.B).
type EventType int

const (
	EventConnectionClosed EventType = iota
	EventChannelClosed
	EventConsumerCancelled
	EventConnectionError
	EventChannelError
)

// Event is one lifecycle notification. Events are safe to observe more
// than once (spec.md: "duplicate or overlapping events must be safe").
type Event struct {
	Type        EventType
	Err         error
	ConsumerTag string
}

// QueueInfo mirrors the broker's reported queue state.
type QueueInfo struct {
	MessageCount  int
	ConsumerCount int
}

// Delivery wraps one AMQP delivery. A nil *Delivery passed to a Handler
// indicates a broker-initiated cancel (spec.md §4.B).
type Delivery struct {
	raw amqp.Delivery
}

// NewDelivery wraps a raw AMQP delivery. Exposed so callers that need to
// construct a synthetic delivery against a fake Link (tests of the
// Delivery Loop) can do so without reaching into this package's
// internals.
func NewDelivery(raw amqp.Delivery) *Delivery {
	return &Delivery{raw: raw}
}

// Body returns the raw message bytes.
func (d *Delivery) Body() []byte {
	return d.raw.Body
}

// Ack acknowledges this delivery directly. Link.Ack wraps this under its
// channel mutex for production use; exposed standalone so test doubles
// for Link can delegate to it without needing a live channel.
func (d *Delivery) Ack() error {
	return d.raw.Ack(false)
}

// Nack rejects this delivery directly, optionally requeuing it. See Ack.
func (d *Delivery) Nack(requeue bool) error {
	return d.raw.Nack(false, requeue)
}

// Handler processes one delivery. Called from the Link's internal
// delivery goroutine for a given consumer tag.
type Handler func(*Delivery)

// Link owns exactly one connection and one channel.
type Link struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	url    string
	events chan Event
}

// Dial opens a fresh connection and channel, sets prefetch=1, and wires
// lifecycle-event plumbing. Called for the initial connect and every full
// reconnect; channel-only recreation goes through Rechannel instead.
func Dial(url string) (*Link, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	l := &Link{conn: conn, url: url, events: make(chan Event, 32)}
	if err := l.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	l.wireConnNotifications()
	return l, nil
}

// Rechannel closes any existing channel and opens a new one on the same
// connection, re-wiring its notifications. Used for channel-only
// recreation (spec.md §4.F).
func (l *Link) Rechannel() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ch != nil {
		_ = l.ch.Close()
	}
	return l.openChannel()
}

// openChannel must be called with mu held, except from Dial before any
// other goroutine can observe l.
func (l *Link) openChannel() error {
	ch, err := l.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	l.ch = ch
	l.wireChannelNotifications(ch)
	return nil
}

func (l *Link) wireConnNotifications() {
	connClose := make(chan *amqp.Error, 1)
	l.conn.NotifyClose(connClose)
	go func() {
		err, ok := <-connClose
		if !ok {
			return
		}
		l.emit(Event{Type: EventConnectionClosed, Err: amqpErr(err)})
	}()
}

func (l *Link) wireChannelNotifications(ch *amqp.Channel) {
	chClose := make(chan *amqp.Error, 1)
	ch.NotifyClose(chClose)
	cancels := make(chan string, 1)
	ch.NotifyCancel(cancels)

	go func() {
		for {
			select {
			case err, ok := <-chClose:
				if !ok {
					return
				}
				l.emit(Event{Type: EventChannelClosed, Err: amqpErr(err)})
				return
			case tag, ok := <-cancels:
				if !ok {
					return
				}
				l.emit(Event{Type: EventConsumerCancelled, ConsumerTag: tag})
			}
		}
	}()
}

func (l *Link) emit(e Event) {
	select {
	case l.events <- e:
	default:
		log.Warn().Int("type", int(e.Type)).Msg("broker event dropped, channel full")
	}
}

// Events returns the lifecycle event stream.
func (l *Link) Events() <-chan Event {
	return l.events
}

// ConnectionHealthy reports whether the underlying transport is still up,
// independent of whether the channel itself is usable. The Reconnect
// Supervisor uses this to decide between a cheap channel-only recreation
// and a full reconnect.
func (l *Link) ConnectionHealthy() bool {
	return l.conn != nil && !l.conn.IsClosed()
}

// Healthy reports whether the connection is open and a channel has been
// opened on it, for GET /health. A channel that the broker closes after it
// was opened still counts as live here.
func (l *Link) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ConnectionHealthy() && l.ch != nil
}

// CheckQueue reports the broker's view of a queue, or ErrNotFound.
func (l *Link) CheckQueue(queue string) (QueueInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, err := l.ch.QueueInspect(queue)
	if err != nil {
		if isNotFound(err) {
			return QueueInfo{}, ErrNotFound
		}
		return QueueInfo{}, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return QueueInfo{MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// NewConsumerTag returns an opaque, unique consumer tag a caller can
// assign before Subscribe, so the runtime record carries its broker tag
// from the moment it is inserted into the registry rather than racing the
// first delivery.
func NewConsumerTag() string {
	return uuid.New().String()
}

// Subscribe registers a consumer on queue under consumerTag and starts a
// goroutine feeding deliveries to handler. A nil delivery is sent to
// handler exactly once, when the broker closes the delivery stream
// (channel close or broker cancel).
func (l *Link) Subscribe(queue, consumerTag string, handler Handler) error {
	l.mu.Lock()
	msgs, err := l.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	l.mu.Unlock()

	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}

	go func() {
		for d := range msgs {
			handler(&Delivery{raw: d})
		}
		handler(nil)
	}()

	return nil
}

// Ack acknowledges a delivery.
func (l *Link) Ack(d *Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return d.Ack()
}

// Nack rejects a delivery, optionally requeuing it.
func (l *Link) Nack(d *Delivery, requeue bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return d.Nack(requeue)
}

// Cancel stops a consumer by tag.
func (l *Link) Cancel(tag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		return nil
	}
	return l.ch.Cancel(tag, false)
}

// Close closes the channel and connection, best-effort.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.ch != nil {
		err = l.ch.Close()
	}
	if l.conn != nil {
		if cerr := l.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func isNotFound(err error) bool {
	var amqpError *amqp.Error
	if errors.As(err, &amqpError) {
		return amqpError.Code == amqp.NotFound
	}
	return false
}

func amqpErr(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}
