package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventBatchCommitted announces that an upload batch committed for
	// a group's tables.
	RealtimeEventBatchCommitted = "batch-commit"
	realtimeEventHeartbeat      = "heartbeat"
)

// RealtimeMessage describes one committed upload batch to group subscribers.
type RealtimeMessage struct {
	GroupID   int64
	EventType string
	Table     string
	BatchID   string
	DeviceID  int64
	Timestamp time.Time
}

// RealtimeDispatcher fans committed-batch notifications out to subscribers
// keyed by group id. Slow subscribers drop messages rather than block the
// publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, groupID int64) (<-chan RealtimeMessage, func()) {
	if groupID <= 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(groupID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(groupID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.GroupID <= 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.GroupID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(groupID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[groupID]; !ok {
		d.subscribers[groupID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[groupID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(groupID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[groupID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, groupID)
		}
	}
	d.mu.Unlock()
}
