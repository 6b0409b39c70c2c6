package server

import (
	"context"
	"testing"
	"time"
)

func TestEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	message := EventMessage{
		UserID:    "user-1",
		EventType: EventDreamsChanged,
		RemoteIDs: []int64{101, 102},
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != EventDreamsChanged {
			t.Fatalf("expected event type %s, got %s", EventDreamsChanged, received.EventType)
		}
		if len(received.RemoteIDs) != 2 {
			t.Fatalf("expected 2 remote ids, got %d", len(received.RemoteIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected dispatcher message within deadline")
	}
}

func TestEventDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(EventMessage{
		UserID:    "user-3",
		EventType: EventDreamsChanged,
		RemoteIDs: []int64{7},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect event for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed user")
	}
}

func TestEventDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-4")
	cleanup()

	dispatcher.Publish(EventMessage{
		UserID:    "user-4",
		EventType: EventDreamsChanged,
		RemoteIDs: []int64{1},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-stream:
		t.Fatal("did not expect delivery after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventDispatcherRejectsEmptyUser(t *testing.T) {
	dispatcher := NewEventDispatcher()

	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()

	if _, open := <-stream; open {
		t.Fatal("expected closed stream for empty user id")
	}
}
