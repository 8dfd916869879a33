package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 7)
	defer cleanup()

	message := RealtimeMessage{
		GroupID:   7,
		EventType: RealtimeEventBatchCommitted,
		Table:     "survey",
		BatchID:   "batch-1",
		DeviceID:  5,
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventBatchCommitted {
			t.Fatalf("expected event type %s, got %s", RealtimeEventBatchCommitted, received.EventType)
		}
		if received.Table != "survey" || received.BatchID != "batch-1" {
			t.Fatalf("unexpected message: %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByGroup(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	groupStream, cleanup := dispatcher.Subscribe(ctx, 2)
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, 3)
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		GroupID:   3,
		EventType: RealtimeEventBatchCommitted,
		Table:     "patient",
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-groupStream:
		t.Fatal("did not expect realtime message for unrelated group")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.GroupID != 3 {
			t.Fatalf("expected group 3, received %d", msg.GroupID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed group")
	}
}

func TestRealtimeDispatcherDropsInvalidSubscriptions(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), 0)
	defer cleanup()

	if _, open := <-stream; open {
		t.Fatal("expected a closed stream for an invalid group id")
	}
}
