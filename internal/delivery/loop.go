// Package delivery implements the Delivery Loop (spec.md §4.E), the
// hardest subsystem: the per-message pipeline of delay, pause-gate,
// hours-gate, decode, webhook call, ack/nack, drain-check, and
// next-interval scheduling, all gated at every suspension point by the
// Epoch Manager.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pedrofnts/queue-consumer/internal/broker"
	"github.com/pedrofnts/queue-consumer/internal/epoch"
	"github.com/pedrofnts/queue-consumer/internal/model"
	"github.com/pedrofnts/queue-consumer/internal/registry"
	"github.com/pedrofnts/queue-consumer/internal/store"
	"github.com/pedrofnts/queue-consumer/internal/webhook"
)

// Sleeper performs the inter-message delay. It returns early with a
// non-nil error if ctx is done first, so shutdown can interrupt a
// pending sleep. The default implementation is a real timer; tests
// substitute a fake clock.
type Sleeper func(ctx context.Context, d time.Duration) error

// RealSleeper sleeps for d or until ctx is cancelled.
func RealSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clock returns the current time. Tests substitute a fixed/fake clock to
// exercise the business-hours gate deterministically.
type Clock func() time.Time

// RandomUniform draws a uniform float in [0,1). Tests substitute a
// deterministic sequence.
type RandomUniform func() float64

// Link is the subset of *broker.Link the Delivery Loop depends on.
// Expressed as an interface so tests can exercise the pipeline without a
// live broker connection; *broker.Link satisfies it directly.
type Link interface {
	Subscribe(queue, consumerTag string, handler broker.Handler) error
	Ack(d *broker.Delivery) error
	Nack(d *broker.Delivery, requeue bool) error
	Cancel(tag string) error
	CheckQueue(queue string) (broker.QueueInfo, error)
}

// Loop wires the delivery pipeline's collaborators.
type Loop struct {
	Epoch    *epoch.Manager
	Registry *registry.Registry
	Store    *store.Store
	Link     Link
	Webhook  *webhook.Client
	Finish   *webhook.Notifier
	Location *time.Location

	Now   Clock
	Sleep Sleeper
	Rand  RandomUniform

	// Fatal is invoked when a Store write fails during the drain path —
	// spec.md §4.A: any Store I/O failure is fatal. Defaults to a
	// zerolog-backed process exit; tests substitute a recorder.
	Fatal func(err error, msg string)
}

// New returns a Loop with production defaults for every seam.
func New(em *epoch.Manager, reg *registry.Registry, st *store.Store, link Link, wc *webhook.Client, finish *webhook.Notifier, loc *time.Location) *Loop {
	return &Loop{
		Epoch:    em,
		Registry: reg,
		Store:    st,
		Link:     link,
		Webhook:  wc,
		Finish:   finish,
		Location: loc,
		Now:      time.Now,
		Sleep:    RealSleeper,
		Rand:     rand.Float64,
		Fatal: func(err error, msg string) {
			log.Fatal().Err(err).Msg(msg)
		},
	}
}

// drawInterval implements spec.md §4.E's "Interval formula":
// nextIntervalMs = floor(U*(max-min+1)) + min.
func (l *Loop) drawInterval(min, max int) int {
	span := float64(max - min + 1)
	return int(math.Floor(l.Rand()*span)) + min
}

// Start subscribes rc.Queue on the Broker Link and begins its delivery
// pipeline. rc must already carry its BrokerTag and Epoch.
func (l *Loop) Start(ctx context.Context, rc *model.RuntimeConsumer) error {
	l.Registry.Insert(rc)

	capturedEpoch := rc.Epoch
	queue := rc.Queue
	err := l.Link.Subscribe(queue, rc.BrokerTag, func(d *broker.Delivery) {
		if d == nil {
			l.onBrokerCancel(queue, capturedEpoch)
			return
		}
		l.process(ctx, queue, capturedEpoch, d)
	})
	if err != nil {
		l.Registry.Remove(queue)
		return err
	}
	return nil
}

// onBrokerCancel handles a broker-initiated cancel of an active consumer
// (spec.md §4.F: "ConsumerCancelled(tag) -> locate the matching
// RuntimeConsumer, notify finish, Remove, Delete; no reconnect").
func (l *Loop) onBrokerCancel(queue string, capturedEpoch int64) {
	if !l.Epoch.Valid(capturedEpoch) {
		return
	}
	rc, ok := l.Registry.Get(queue)
	if !ok {
		return
	}
	l.Finish.NotifyFinish(context.Background(), queue, rc.LastMessage)
	l.Registry.Remove(queue)
	if err := l.Store.Delete(queue); err != nil {
		l.Fatal(err, "config store delete failed on broker-initiated cancel")
	}
}

// HandleBrokerCancel locates the RuntimeConsumer whose BrokerTag matches
// tag and tears it down: notify finish, Remove, Delete — no reconnect
// (spec.md §4.F, "ConsumerCancelled(tag)"). Used by the Reconnect
// Supervisor, which only has the tag from the broker's lifecycle event,
// not the queue name.
func (l *Loop) HandleBrokerCancel(ctx context.Context, tag string) {
	for _, rc := range l.Registry.Snapshot() {
		if rc.BrokerTag != tag {
			continue
		}
		l.Finish.NotifyFinish(ctx, rc.Queue, rc.LastMessage)
		l.Registry.Remove(rc.Queue)
		if err := l.Store.Delete(rc.Queue); err != nil {
			l.Fatal(err, "config store delete failed on broker-initiated consumer cancel")
		}
		return
	}
}

// process runs the 11-step pipeline in spec.md §4.E for a single delivery.
func (l *Loop) process(ctx context.Context, queue string, capturedEpoch int64, d *broker.Delivery) {
	// Step 1: epoch gate (entry).
	if !l.Epoch.Valid(capturedEpoch) {
		return
	}

	rc, ok := l.Registry.Get(queue)
	if !ok {
		// Removed (stopped, drained, cancelled) between subscribe and
		// this delivery arriving; nothing left to do.
		return
	}

	// Step 2: delay.
	interval := rc.NextIntervalMs
	if interval == 0 {
		interval = l.drawInterval(rc.MinIntervalMs, rc.MaxIntervalMs)
	}
	_ = l.Sleep(ctx, time.Duration(interval)*time.Millisecond)

	// Step 3: epoch gate (post-sleep).
	if !l.Epoch.Valid(capturedEpoch) {
		return
	}

	// Step 4: pause gate.
	if rc.Paused {
		if err := l.Link.Nack(d, true); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("nack on pause failed")
		}
		return
	}

	// Step 5: hours gate.
	hour := l.Now().In(l.Location).Hour()
	if hour < rc.BusinessHoursStart || hour >= rc.BusinessHoursEnd {
		if err := l.Link.Nack(d, true); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("nack outside business hours failed")
		}
		return
	}

	// Step 6: decode.
	var payload any
	if err := json.Unmarshal(d.Body(), &payload); err != nil {
		if nerr := l.Link.Nack(d, true); nerr != nil {
			log.Error().Err(nerr).Str("queue", queue).Msg("nack on decode failure failed")
		}
		return
	}

	// Step 7: forward.
	res, err := l.Webhook.Post(ctx, rc.Webhook, payload)

	// Epoch gate (post-forward): a channel replaced during the webhook
	// call must not receive this delivery's ack or nack.
	if !l.Epoch.Valid(capturedEpoch) {
		return
	}

	if err != nil || res.Outcome == webhook.TransportError {
		if nerr := l.Link.Nack(d, true); nerr != nil {
			log.Error().Err(nerr).Str("queue", queue).Msg("nack on webhook transport error failed")
		}
		return
	}
	if err := l.Link.Ack(d); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("ack failed")
	}

	// Step 8: record.
	l.Registry.UpdateLast(queue, payload)

	// Step 9: epoch gate (post-ack).
	if !l.Epoch.Valid(capturedEpoch) {
		return
	}

	// Step 10: drain check.
	info, err := l.Link.CheckQueue(queue)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			// Invariant 2: the Store never holds a row for a queue known
			// to be deleted on the broker.
			l.Registry.Remove(queue)
			if derr := l.Store.Delete(queue); derr != nil {
				l.Fatal(derr, "config store delete failed after queue-not-found")
			}
			return
		}
		log.Error().Err(err).Str("queue", queue).Msg("queue drain check failed")
		return
	}
	if info.MessageCount == 0 {
		if err := l.Link.Cancel(rc.BrokerTag); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("cancel on drain failed")
		}
		l.Finish.NotifyFinish(ctx, queue, payload)
		l.Registry.Remove(queue)
		if err := l.Store.Delete(queue); err != nil {
			l.Fatal(err, "config store delete failed on drain")
		}
		return
	}

	// Step 11: schedule next.
	l.Registry.SetNextInterval(queue, l.drawInterval(rc.MinIntervalMs, rc.MaxIntervalMs))
}

// Stop cancels an active consumer's subscription (external stop API),
// notifies finish, and removes it from Registry and Store.
func (l *Loop) Stop(ctx context.Context, queue string) error {
	rc, ok := l.Registry.Get(queue)
	if !ok {
		return ErrNotConsuming
	}
	if err := l.Link.Cancel(rc.BrokerTag); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("cancel on stop failed")
	}
	l.Finish.NotifyFinish(ctx, queue, rc.LastMessage)
	l.Registry.Remove(queue)
	if err := l.Store.Delete(queue); err != nil {
		l.Fatal(err, "config store delete failed on explicit stop")
	}
	return nil
}

// ErrNotConsuming is returned by Stop when the queue has no active
// RuntimeConsumer.
var ErrNotConsuming = errors.New("delivery: queue is not being consumed")
