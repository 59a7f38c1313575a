// Package event delivers lease and auction notifications to in-process
// observers. Delivery is synchronous and in subscription order so observers
// see events within the same tick that produced them.
package event

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/eigerco/slotauction/internal/chaintime"
)

type EventType string

type SubscriberID int

type HandlerFunc func(Event)

type Event struct {
	Type  EventType
	Block chaintime.BlockNumber
	Data  any
}

func NewEvent(eventType EventType, block chaintime.BlockNumber, data any) Event {
	return Event{Type: eventType, Block: block, Data: data}
}

type busMetrics struct {
	eventsTotal    *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	subscribers    *prometheus.GaugeVec
}

func (m *busMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.eventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_events_published_total",
		Help: "events published by type",
	}, []string{"type"})
	m.deliveryErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_event_delivery_errors_total",
		Help: "handler panics by event type",
	}, []string{"type"})
	m.subscribers = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slotauction_event_subscribers",
		Help: "current subscribers by event type",
	}, []string{"type"})
}

// Bus is a synchronous publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[SubscriberID]HandlerFunc
	lastID      SubscriberID
	metrics     *busMetrics
	logger      zerolog.Logger
}

// NewBus creates a bus. A nil registerer disables metrics.
func NewBus(reg prometheus.Registerer, logger zerolog.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[EventType]map[SubscriberID]HandlerFunc),
		logger:      logger,
	}
	if reg != nil {
		b.metrics = &busMetrics{}
		b.metrics.init(reg)
	}
	return b
}

// Subscribe registers fn for events of the given type.
func (b *Bus) Subscribe(eventType EventType, fn HandlerFunc) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	id := b.lastID
	subs, ok := b.subscribers[eventType]
	if !ok {
		subs = make(map[SubscriberID]HandlerFunc)
		b.subscribers[eventType] = subs
	}
	subs[id] = fn
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return id
}

// Unsubscribe stops delivery to the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[eventType]
	if !ok {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, eventType)
	}
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
	}
}

// Publish delivers evt to every subscriber of its type, oldest first. A
// panicking handler is logged and skipped; the remaining handlers still run.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[evt.Type]
	ids := make([]SubscriberID, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	handlers := make([]HandlerFunc, 0, len(subs))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		if err := deliver(fn, evt); err != nil {
			if b.metrics != nil {
				b.metrics.deliveryErrors.WithLabelValues(string(evt.Type)).Inc()
			}
			b.logger.Error().Err(err).Str("type", string(evt.Type)).Msg("event delivery error")
		}
	}
	if b.metrics != nil {
		b.metrics.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	}
}

func deliver(fn HandlerFunc, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	fn(evt)
	return nil
}
