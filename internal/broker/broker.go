package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/metrics"
	redisclient "github.com/chatrelay/session-relay/internal/redis"
)

var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Event is one encoded frame. Data holds the complete JSON object that is
// written to the viewer; Type is kept alongside for routing and metrics.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscriber is a live outbound channel to one viewer.
//
// Send is called with the broker lock held and must not block: a transport
// queues the frame and reports an error when it can no longer accept frames.
type Subscriber interface {
	Send(event Event) error
}

// Bus carries encoded events between relay instances.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers payloads until ctx is done or the returned close
	// function is called.
	Subscribe(ctx context.Context) (<-chan string, func() error)
}

// envelope is the cross-instance encoding. Data travels as base64 so the
// frame reaches remote viewers byte-for-byte.
type envelope struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type Broker struct {
	bus    Bus
	subs   map[string]Subscriber
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroker creates a registry. redisClient may be nil, in which case
// Publish delivers to local subscribers only.
func NewBroker(redisClient *redisclient.Client) *Broker {
	if redisClient == nil {
		return NewBrokerWithBus(nil)
	}
	return NewBrokerWithBus(redisBus{client: redisClient})
}

// NewBrokerWithBus creates a registry on top of an arbitrary bus. A nil bus
// keeps delivery local.
func NewBrokerWithBus(bus Bus) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		bus:    bus,
		subs:   make(map[string]Subscriber),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins relaying events published by other instances. It is a no-op
// without a bus.
func (b *Broker) Start() {
	if b.bus == nil {
		return
	}
	go b.relay()
}

func (b *Broker) Add(id string, sub Subscriber) {
	b.mu.Lock()
	b.subs[id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	metrics.Subscribers.Set(float64(count))

	log.Info().
		Str("subscriberId", id).
		Int("subscriberCount", count).
		Msg("subscriber registered")
}

// Remove unregisters id and reports whether it was present.
func (b *Broker) Remove(id string) bool {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		metrics.Subscribers.Set(float64(count))
		log.Info().
			Str("subscriberId", id).
			Int("subscriberCount", count).
			Msg("subscriber removed")
	}
	return ok
}

// Broadcast delivers event to every subscriber and returns how many accepted
// it. A subscriber whose Send fails is removed without retry.
func (b *Broker) Broadcast(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	metrics.EventsBroadcast.WithLabelValues(event.Type).Inc()

	delivered := 0
	for id, sub := range b.subs {
		if err := sub.Send(event); err != nil {
			b.dropLocked(id, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Send delivers event to a single subscriber.
func (b *Broker) Send(id string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	if err := sub.Send(event); err != nil {
		b.dropLocked(id, err)
		return err
	}
	return nil
}

func (b *Broker) dropLocked(id string, err error) {
	delete(b.subs, id)
	metrics.SubscribersDropped.Inc()
	metrics.Subscribers.Set(float64(len(b.subs)))

	log.Warn().
		Err(err).
		Str("subscriberId", id).
		Msg("subscriber send failed, removing")
}

// Publish fans event out to every relay instance, this one included. Without
// a bus it is a local Broadcast.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	if b.bus == nil {
		b.Broadcast(event)
		return nil
	}

	data, err := json.Marshal(envelope{Type: event.Type, Data: event.Data})
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, data)
}

func (b *Broker) relay() {
	ch, closeSub := b.bus.Subscribe(b.ctx)
	defer closeSub()

	for {
		select {
		case <-b.ctx.Done():
			return

		case payload, ok := <-ch:
			if !ok {
				return
			}

			var env envelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.Broadcast(Event{Type: env.Type, Data: env.Data})
		}
	}
}

type redisBus struct {
	client *redisclient.Client
}

func (r redisBus) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, redisclient.EventsChannel, payload).Err()
}

func (r redisBus) Subscribe(ctx context.Context) (<-chan string, func() error) {
	pubsub := r.client.Subscribe(ctx, redisclient.EventsChannel)

	log.Debug().
		Str("channel", redisclient.EventsChannel).
		Msg("redis pubsub subscribed")

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close
}

func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the Redis relay and forgets every subscriber. Transports own
// their connections and close them on their own.
func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = make(map[string]Subscriber)
	metrics.Subscribers.Set(0)
}
