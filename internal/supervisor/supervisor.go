// Package supervisor implements the Reconnect Supervisor (spec.md §4.F):
// the state machine that coordinates channel-only vs. full reconnect,
// bounds reconnect attempts, exits the process on exhaustion, and
// replays the Config Store through the Registry and Delivery Loop after
// every fresh channel. It generalizes drlucaa-shopstream's
// RabbitMQManager.handleReconnect, corrected per spec.md's REDESIGN
// FLAGS: attempt exhaustion is fatal, and channel-only recreation is a
// distinct, cheaper path from full reconnect.
package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pedrofnts/queue-consumer/internal/broker"
	"github.com/pedrofnts/queue-consumer/internal/delivery"
	"github.com/pedrofnts/queue-consumer/internal/epoch"
	"github.com/pedrofnts/queue-consumer/internal/model"
	"github.com/pedrofnts/queue-consumer/internal/registry"
	"github.com/pedrofnts/queue-consumer/internal/store"
)

const (
	fullReconnectDelay   = 5 * time.Second
	channelRecreateDelay = 2 * time.Second
)

// Link is the subset of *broker.Link the Reconnect Supervisor depends on,
// plus everything the Delivery Loop needs (it embeds delivery.Link).
// Expressed as an interface so tests can drive the reconnect state machine
// without a live broker; *broker.Link satisfies it directly.
type Link interface {
	delivery.Link
	Events() <-chan broker.Event
	ConnectionHealthy() bool
	Healthy() bool
	Rechannel() error
	Close() error
}

// Dialer opens a fresh Link. The production default wraps broker.Dial;
// tests substitute a fake that never touches the network.
type Dialer func(url string) (Link, error)

func dialBroker(url string) (Link, error) {
	return broker.Dial(url)
}

// Supervisor owns the process-wide reconnect state machine.
type Supervisor struct {
	mu          sync.Mutex
	url         string
	maxAttempts int
	attempts    int

	reconnectInFlight atomic.Bool

	dial     Dialer
	link     Link
	epoch    *epoch.Manager
	registry *registry.Registry
	store    *store.Store
	loop     *delivery.Loop

	// Exit terminates the process on reconnect exhaustion (spec.md §4.F
	// step 2). Defaults to os.Exit(1); tests substitute a recorder so
	// they don't actually kill the test binary.
	Exit func(code int)

	// sleepFn is overridable so tests don't wait out the real delays.
	sleepFn func(d time.Duration)
}

// New returns a Supervisor bound to its collaborators, with no Broker Link
// yet. Call Start to perform the initial connect and restore.
func New(url string, maxAttempts int, em *epoch.Manager, reg *registry.Registry, st *store.Store, loop *delivery.Loop) *Supervisor {
	return &Supervisor{
		url:         url,
		maxAttempts: maxAttempts,
		dial:        dialBroker,
		epoch:       em,
		registry:    reg,
		store:       st,
		loop:        loop,
		Exit:        os.Exit,
		sleepFn:     time.Sleep,
	}
}

// Link returns the current Broker Link. It changes identity across
// reconnects, so callers (including Run's own loop) must re-fetch it
// rather than cache a copy across a reconnect boundary.
func (s *Supervisor) Link() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Start performs the initial connect (epoch 0 -> 1) and restores every
// persisted consumer from the Config Store, then begins listening for
// lifecycle events in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	link, err := s.dial(s.url)
	if err != nil {
		return err
	}
	s.swapLink(link)
	s.restore(ctx)
	go s.Run(ctx)
	return nil
}

// Run consumes lifecycle events from the current Broker Link until ctx is
// done or the event stream closes.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		link := s.Link()
		if link == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-link.Events():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev broker.Event) {
	switch ev.Type {
	case broker.EventConnectionClosed, broker.EventConnectionError:
		log.Error().Err(ev.Err).Msg("broker connection lost, reconnecting")
		s.sleepFn(fullReconnectDelay)
		s.reconnect(ctx)

	case broker.EventChannelClosed, broker.EventChannelError:
		if s.Link().ConnectionHealthy() {
			log.Warn().Err(ev.Err).Msg("broker channel lost, connection still healthy")
			s.sleepFn(channelRecreateDelay)
			if !s.recreateChannel(ctx) {
				s.sleepFn(fullReconnectDelay)
				s.reconnect(ctx)
			}
		} else {
			log.Error().Err(ev.Err).Msg("broker channel lost, connection unhealthy")
			s.sleepFn(fullReconnectDelay)
			s.reconnect(ctx)
		}

	case broker.EventConsumerCancelled:
		log.Info().Str("tag", ev.ConsumerTag).Msg("consumer cancelled by broker, no reconnect")
		s.loop.HandleBrokerCancel(ctx, ev.ConsumerTag)
	}
}

// reconnect performs a full reconnect: re-dial, bump epoch, clear the
// registry, and restore every persisted consumer. It retries internally
// up to maxAttempts, exiting the process on exhaustion.
func (s *Supervisor) reconnect(ctx context.Context) {
	if !s.reconnectInFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnectInFlight.Store(false)

	if old := s.Link(); old != nil {
		_ = old.Close()
	}

	for {
		s.attempts++
		if s.attempts >= s.maxAttempts {
			log.Error().Int("attempts", s.attempts).Msg("max reconnect attempts exhausted, exiting")
			s.Exit(1)
			return
		}

		link, err := s.dial(s.url)
		if err != nil {
			log.Error().Err(err).Int("attempt", s.attempts).Msg("reconnect attempt failed")
			s.sleepFn(fullReconnectDelay)
			continue
		}

		s.swapLink(link)
		s.restore(ctx)
		s.attempts = 0
		return
	}
}

// recreateChannel performs the cheaper channel-only recreation, reusing
// the existing connection. Returns false if the recreation itself failed
// (transport must have gone bad too), signalling the caller to fall back
// to a full reconnect.
func (s *Supervisor) recreateChannel(ctx context.Context) bool {
	if !s.reconnectInFlight.CompareAndSwap(false, true) {
		return true
	}
	defer s.reconnectInFlight.Store(false)

	s.attempts++
	if s.attempts >= s.maxAttempts {
		log.Error().Int("attempts", s.attempts).Msg("max reconnect attempts exhausted, exiting")
		s.Exit(1)
		return true
	}

	link := s.Link()
	if err := link.Rechannel(); err != nil {
		log.Error().Err(err).Msg("channel recreation failed")
		return false
	}

	s.restore(ctx)
	s.attempts = 0
	return true
}

// restore implements spec.md §4.F steps 5-7: bump the epoch, clear the
// registry, and replay every persisted spec as a fresh RuntimeConsumer,
// applying its paused flag before any delivery can be observed.
func (s *Supervisor) restore(ctx context.Context) {
	newEpoch := s.epoch.Bump()
	s.registry.Clear()

	specs, err := s.store.LoadAll()
	if err != nil {
		log.Fatal().Err(err).Msg("config store load failed during restoration")
		return
	}

	link := s.Link()
	for _, spec := range specs {
		if _, err := link.CheckQueue(spec.Queue); err != nil {
			if errors.Is(err, broker.ErrNotFound) {
				if derr := s.store.Delete(spec.Queue); derr != nil {
					log.Fatal().Err(derr).Msg("config store delete failed while restoring")
				}
				continue
			}
			log.Error().Err(err).Str("queue", spec.Queue).Msg("queue check failed during restoration")
			continue
		}

		tag := broker.NewConsumerTag()
		rc := model.FromSpec(spec, tag, newEpoch)
		if err := s.loop.Start(ctx, rc); err != nil {
			log.Error().Err(err).Str("queue", spec.Queue).Msg("failed to restore consumer")
		}
	}
}

func (s *Supervisor) swapLink(link Link) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
	s.loop.Link = link
}

// Close shuts down the current Broker Link.
func (s *Supervisor) Close() error {
	if link := s.Link(); link != nil {
		return link.Close()
	}
	return nil
}
