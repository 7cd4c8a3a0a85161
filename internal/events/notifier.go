package events

import (
	"context"
	"strconv"
	"sync"
)

// Signal announces that a committed event may be visible to room or user subscribers.
type Signal struct {
	RoomID  int64
	UserID  string
	EventID int64
}

// Notifier fans wake-up signals out to in-process stream connections. It never blocks
// publishers; a subscriber with a full buffer already has a pending wake-up.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Signal
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  1,
	}
}

// RoomKey is the subscription key for room-wide events.
func RoomKey(roomID int64) string {
	return "room:" + strconv.FormatInt(roomID, 10)
}

// UserKey is the subscription key for events targeted at one user.
func UserKey(userID string) string {
	return "user:" + userID
}

// Subscribe registers one channel under every key until ctx ends or cleanup runs.
func (n *Notifier) Subscribe(ctx context.Context, keys ...string) (<-chan Signal, func()) {
	if n == nil || len(keys) == 0 {
		ch := make(chan Signal)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     n.nextSequence(),
		stream: make(chan Signal, n.bufferSize),
	}
	n.register(keys, sub)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.unregister(keys, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers the signal to room and user subscribers without blocking.
func (n *Notifier) Publish(signal Signal) {
	if n == nil {
		return
	}
	var key string
	switch {
	case signal.UserID != "":
		key = UserKey(signal.UserID)
	case signal.RoomID != 0:
		key = RoomKey(signal.RoomID)
	default:
		return
	}

	n.mu.RLock()
	targets := make([]*subscriber, 0, len(n.subscribers[key]))
	for _, sub := range n.subscribers[key] {
		targets = append(targets, sub)
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- signal:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions exist for a key.
func (n *Notifier) SubscriberCount(key string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[key])
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) register(keys []string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		if _, ok := n.subscribers[key]; !ok {
			n.subscribers[key] = make(map[int64]*subscriber)
		}
		n.subscribers[key][sub.id] = sub
	}
}

func (n *Notifier) unregister(keys []string, subscriberID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		subs := n.subscribers[key]
		if subs == nil {
			continue
		}
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(n.subscribers, key)
		}
	}
}
