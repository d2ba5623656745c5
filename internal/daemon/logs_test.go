package daemon

import (
	"fmt"
	"testing"
)

func TestLogBroadcaster_HistoryRingBuffer(t *testing.T) {
	lb := NewLogBroadcaster(3)
	for i := 0; i < 5; i++ {
		lb.Broadcast(fmt.Sprintf("line %d\n", i))
	}

	_, history := lb.Subscribe(10)
	if len(history) != 3 {
		t.Fatalf("expected 3 history lines, got %d", len(history))
	}
	if history[0] != "line 2\n" || history[2] != "line 4\n" {
		t.Errorf("unexpected history window: %v", history)
	}
}

func TestLogBroadcaster_SubscribeLimitsHistory(t *testing.T) {
	lb := NewLogBroadcaster(100)
	for i := 0; i < 10; i++ {
		lb.Broadcast(fmt.Sprintf("line %d\n", i))
	}

	_, history := lb.Subscribe(2)
	if len(history) != 2 {
		t.Fatalf("expected 2 history lines, got %d", len(history))
	}
	if history[1] != "line 9\n" {
		t.Errorf("expected newest line last, got %v", history)
	}
}

func TestLogBroadcaster_DeliversToSubscribers(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch)

	lb.Broadcast("hello\n")

	select {
	case msg := <-ch:
		if msg != "hello\n" {
			t.Errorf("unexpected message: %q", msg)
		}
	default:
		t.Error("expected buffered delivery")
	}
}

func TestLogBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch)

	// Overflow the client buffer; Broadcast must keep returning
	for i := 0; i < 250; i++ {
		lb.Broadcast("spam\n")
	}
}
