package events

import (
	"errors"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventSweepDetected, func(e Event) {
		received <- e
	})

	bus.PublishSweepDetected(7, "LOW", 88900, "BULLISH")

	select {
	case e := <-received:
		if e.Type != EventSweepDetected {
			t.Errorf("type = %s, want SWEEP_DETECTED", e.Type)
		}
		if e.Data["sweep_id"].(int64) != 7 {
			t.Errorf("sweep_id = %v, want 7", e.Data["sweep_id"])
		}
		if e.Data["bias"].(string) != "BULLISH" {
			t.Errorf("bias = %v, want BULLISH", e.Data["bias"])
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventTradeOpened, func(e Event) {
		received <- e
	})

	bus.PublishEmergencyStop("test")

	select {
	case e := <-received:
		t.Errorf("unexpected delivery: %v", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	received := make(chan EventType, 4)

	bus.SubscribeAll(func(e Event) {
		received <- e.Type
	})

	bus.PublishPriceTick("BTC-USD", 90000, 89995, 90005)
	bus.PublishError("executor", errors.New("boom"))

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case et := <-received:
			seen[et] = true
		case <-time.After(time.Second):
			t.Fatal("missing event delivery")
		}
	}
	if !seen[EventPriceTick] || !seen[EventError] {
		t.Errorf("seen = %v, want both PRICE_TICK and ERROR", seen)
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewEventBus()
	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)

	bus.Subscribe(EventSetupReady, func(Event) { first <- struct{}{} })
	bus.Subscribe(EventSetupReady, func(Event) { second <- struct{}{} })

	bus.PublishSetupReady(3, 5, "BEARISH")

	for i, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestSetupReadyCarriesTypedStateID(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventSetupReady, func(e Event) { received <- e })
	bus.PublishSetupReady(42, 9, "BULLISH")

	select {
	case e := <-received:
		// Consumers type-assert this to int64; anything else breaks them
		if _, ok := e.Data["state_id"].(int64); !ok {
			t.Errorf("state_id has type %T, want int64", e.Data["state_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
