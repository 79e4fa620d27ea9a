package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPriceTick      EventType = "PRICE_TICK"
	EventCandleClosed   EventType = "CANDLE_CLOSED"
	EventSwingConfirmed EventType = "SWING_CONFIRMED"
	EventSweepDetected  EventType = "SWEEP_DETECTED"
	EventSweepExpired   EventType = "SWEEP_EXPIRED"
	EventPhaseAdvanced  EventType = "PHASE_ADVANCED"
	EventSetupReady     EventType = "SETUP_READY"
	EventSetupExpired   EventType = "SETUP_EXPIRED"
	EventTradeOpened    EventType = "TRADE_OPENED"
	EventTradeClosed    EventType = "TRADE_CLOSED"
	EventTradeUpdate    EventType = "TRADE_UPDATE"
	EventTrailingMoved  EventType = "TRAILING_MOVED"
	EventEmergencyStop  EventType = "EMERGENCY_STOP"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Delivery is
// asynchronous on a fresh goroutine per subscriber, so arrival order is
// not guaranteed even between events of the same type. Subscribers must
// treat events as wake-up signals and re-read persisted state rather
// than act on the payload alone; the repository's version-guarded writes
// make stale handlers harmless.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPriceTick publishes a price tick event
func (eb *EventBus) PublishPriceTick(productID string, price, bestBid, bestAsk float64) {
	eb.Publish(Event{
		Type: EventPriceTick,
		Data: map[string]interface{}{
			"product_id": productID,
			"price":      price,
			"best_bid":   bestBid,
			"best_ask":   bestAsk,
		},
	})
}

// PublishCandleClosed publishes a candle close event
func (eb *EventBus) PublishCandleClosed(timeframe string, bucketStart time.Time, close float64) {
	eb.Publish(Event{
		Type: EventCandleClosed,
		Data: map[string]interface{}{
			"timeframe":    timeframe,
			"bucket_start": bucketStart,
			"close":        close,
		},
	})
}

// PublishSweepDetected publishes a sweep detection event
func (eb *EventBus) PublishSweepDetected(sweepID int64, kind string, price float64, bias string) {
	eb.Publish(Event{
		Type: EventSweepDetected,
		Data: map[string]interface{}{
			"sweep_id": sweepID,
			"kind":     kind,
			"price":    price,
			"bias":     bias,
		},
	})
}

// PublishPhaseAdvanced publishes a confluence phase transition
func (eb *EventBus) PublishPhaseAdvanced(stateID int64, from, to string) {
	eb.Publish(Event{
		Type: EventPhaseAdvanced,
		Data: map[string]interface{}{
			"state_id": stateID,
			"from":     from,
			"to":       to,
		},
	})
}

// PublishSetupReady publishes a completed confluence setup
func (eb *EventBus) PublishSetupReady(stateID, sweepID int64, bias string) {
	eb.Publish(Event{
		Type: EventSetupReady,
		Data: map[string]interface{}{
			"state_id": stateID,
			"sweep_id": sweepID,
			"bias":     bias,
		},
	})
}

// PublishSetupExpired publishes an abandoned setup
func (eb *EventBus) PublishSetupExpired(stateID, sweepID int64, reason string) {
	eb.Publish(Event{
		Type: EventSetupExpired,
		Data: map[string]interface{}{
			"state_id": stateID,
			"sweep_id": sweepID,
			"reason":   reason,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(tradeID int64, direction string, entryPrice, size float64) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"trade_id":    tradeID,
			"direction":   direction,
			"entry_price": entryPrice,
			"size":        size,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(tradeID int64, outcome string, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"trade_id":   tradeID,
			"outcome":    outcome,
			"exit_price": exitPrice,
			"pnl":        pnl,
		},
	})
}

// PublishEmergencyStop publishes an emergency stop event
func (eb *EventBus) PublishEmergencyStop(reason string) {
	eb.Publish(Event{
		Type: EventEmergencyStop,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(stage string, err error) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"stage": stage,
			"error": err.Error(),
		},
	})
}
