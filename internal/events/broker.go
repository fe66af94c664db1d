// Package events delivers citizen notifications to in-process and external consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmanager/backend/internal/citizens"
)

const defaultBufferSize = 16

// Message is a notification addressed to the subscribers of one citizen.
type Message struct {
	CitizenID    string
	Topic        string
	Notification citizens.Notification
	Timestamp    time.Time
}

// Broker fans citizen notifications out to in-process subscribers.
// Slow subscribers drop messages instead of blocking the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewBroker returns a Broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for citizenID until ctx ends or cleanup is called.
func (b *Broker) Subscribe(ctx context.Context, citizenID string) (<-chan Message, func()) {
	if citizenID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Message, b.bufferSize),
	}
	b.register(citizenID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { b.unregister(citizenID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Notify implements citizens.Notifier. Notifications not tied to a citizen are ignored.
func (b *Broker) Notify(_ context.Context, notification citizens.Notification) error {
	refreshed, ok := notification.(citizens.CitizenRefreshed)
	if !ok {
		return nil
	}
	b.Publish(Message{
		CitizenID:    refreshed.CitizenID,
		Topic:        notification.Topic(),
		Notification: notification,
		Timestamp:    b.clock().UTC(),
	})
	return nil
}

// Publish delivers message to every live subscriber of its citizen without blocking.
func (b *Broker) Publish(message Message) {
	if message.CitizenID == "" || message.Topic == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[message.CitizenID]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live streams for citizenID.
func (b *Broker) SubscriberCount(citizenID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[citizenID])
}

func (b *Broker) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Broker) register(citizenID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[citizenID]; !ok {
		b.subscribers[citizenID] = make(map[int64]*subscriber)
	}
	b.subscribers[citizenID][sub.id] = sub
}

func (b *Broker) unregister(citizenID string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[citizenID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, citizenID)
		}
	}
	b.mu.Unlock()
}
