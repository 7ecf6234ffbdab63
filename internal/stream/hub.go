// Package stream distributes scan events to in-process and remote consumers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fno-scanner/internal/models"
	"fno-scanner/internal/verdict"
)

// EventType names what an Event carries.
type EventType string

const (
	EventVerdict    EventType = "verdict"
	EventChainDelta EventType = "chain_delta"
	EventStatus     EventType = "status"
)

// AllSymbols subscribes to every symbol.
const AllSymbols = "*"

// Event is one message on the hub.
type Event struct {
	Type    EventType             `json:"type"`
	Symbol  string                `json:"symbol"`
	Verdict *verdict.Verdict      `json:"verdict,omitempty"`
	Chain   *models.ChainSnapshot `json:"chain,omitempty"`
	Message string                `json:"message,omitempty"`
	At      time.Time             `json:"at"`
}

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int `mapstructure:"buffer_size"`
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int `mapstructure:"subscriber_buffer_size"`
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int `mapstructure:"slow_consumer_drop_threshold"`
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:                1000,
		SubscriberBufferSize:      100,
		SlowConsumerDropThreshold: 10,
	}
}

// Hub fans events out to subscribers over bounded channels.
// A subscriber whose buffer is full misses the event; publishers never block.
type Hub struct {
	config      HubConfig
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	events      chan Event
	done        chan struct{}
	started     bool
	consumers   []Consumer
	consumersMu sync.RWMutex

	// Metrics
	received  uint64
	broadcast uint64
	dropped   uint64
	metricsMu sync.RWMutex
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	ID           string
	Channel      chan Event
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a hub with the default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	return &Hub{
		config:      config,
		logger:      logger.With().Str("component", "hub").Logger(),
		subscribers: make(map[string][]*Subscriber),
		events:      make(chan Event, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	go h.loop(ctx)
}

func (h *Hub) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.events:
			h.metricsMu.Lock()
			h.received++
			h.metricsMu.Unlock()

			h.fanOut(ev)
			h.notifyConsumers(ev)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	close(h.done)
	h.started = false

	for symbol, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, symbol)
	}
}

// Subscribe returns a channel of events for symbol, or for every symbol with AllSymbols.
func (h *Hub) Subscribe(symbol string) <-chan Event {
	return h.SubscribeWithID(symbol, "")
}

// SubscribeWithID subscribes with an identifier used in slow-consumer logs.
func (h *Hub) SubscribeWithID(symbol, id string) <-chan Event {
	ch := make(chan Event, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:        id,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[symbol] = append(h.subscribers[symbol], sub)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(symbol string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[symbol]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[symbol] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[symbol]) == 0 {
		delete(h.subscribers, symbol)
	}
}

// Publish queues ev for distribution. A full queue drops the event.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
	}
}

// PublishVerdict publishes a verdict event.
func (h *Hub) PublishVerdict(v *verdict.Verdict) {
	h.Publish(Event{Type: EventVerdict, Symbol: v.Symbol, Verdict: v, At: v.CreatedAt})
}

// PublishChainDelta publishes the compressed chain of one cycle.
func (h *Hub) PublishChainDelta(snap *models.ChainSnapshot) {
	h.Publish(Event{Type: EventChainDelta, Symbol: snap.Symbol, Chain: snap, At: snap.CapturedAt})
}

func (h *Hub) fanOut(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.subscribers[ev.Symbol], ev)
	if ev.Symbol != AllSymbols {
		h.deliver(h.subscribers[AllSymbols], ev)
	}
}

// deliver runs under h.mu so Stop cannot close a channel mid-send.
func (h *Hub) deliver(subs []*Subscriber, ev Event) {
	for _, sub := range subs {
		select {
		case sub.Channel <- ev:
			sub.DroppedCount = 0
			h.metricsMu.Lock()
			h.broadcast++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			h.metricsMu.Lock()
			h.dropped++
			h.metricsMu.Unlock()
			if h.config.SlowConsumerDropThreshold > 0 && sub.DroppedCount == h.config.SlowConsumerDropThreshold {
				h.logger.Warn().
					Str("subscriber", sub.ID).
					Str("symbol", ev.Symbol).
					Int("dropped", sub.DroppedCount).
					Msg("Slow consumer, dropping events")
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for a symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[symbol])
}

// TotalSubscriberCount returns the number of subscribers across all symbols.
func (h *Hub) TotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Received    uint64 `json:"received"`
	Broadcast   uint64 `json:"broadcast"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	subs := h.TotalSubscriberCount()

	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()
	return HubMetrics{
		Received:    h.received,
		Broadcast:   h.broadcast,
		Dropped:     h.dropped,
		Subscribers: subs,
	}
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Consumer processes events in-process, such as notifiers and journals.
type Consumer interface {
	// OnEvent is called for every event whose type the consumer accepts.
	OnEvent(ev Event)
	// Types returns the accepted event types. Empty accepts all.
	Types() []EventType
}

// RegisterConsumer adds a consumer.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// notifyConsumers runs every matching consumer in its own goroutine.
func (h *Hub) notifyConsumers(ev Event) {
	h.consumersMu.RLock()
	consumers := make([]Consumer, len(h.consumers))
	copy(consumers, h.consumers)
	h.consumersMu.RUnlock()

	for _, consumer := range consumers {
		types := consumer.Types()
		if len(types) == 0 || containsType(types, ev.Type) {
			go consumer.OnEvent(ev)
		}
	}
}

func containsType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	types []EventType
	fn    func(Event)
}

// NewConsumerFunc creates a ConsumerFunc.
func NewConsumerFunc(types []EventType, fn func(Event)) *ConsumerFunc {
	return &ConsumerFunc{types: types, fn: fn}
}

// OnEvent implements Consumer.
func (c *ConsumerFunc) OnEvent(ev Event) {
	if c.fn != nil {
		c.fn(ev)
	}
}

// Types implements Consumer.
func (c *ConsumerFunc) Types() []EventType {
	return c.types
}
