package events

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Dispatcher fans change events out to in-process subscribers of the same owner.
// Slow subscribers lose events instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     int64
	stream chan ChangeEvent
	done   chan struct{}
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream for ownerID. The subscription ends when ctx is done or
// the returned cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan ChangeEvent, func()) {
	if ownerID == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.register(ownerID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(ownerID, sub.id)
			close(sub.done)
		})
	}
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish implements Publisher.
func (d *Dispatcher) Publish(_ context.Context, event ChangeEvent) error {
	if event.OwnerID == "" || event.Kind == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[event.OwnerID] {
		select {
		case sub.stream <- event:
		default:
		}
	}
	return nil
}

// SubscriberCount reports the number of live subscriptions for ownerID.
func (d *Dispatcher) SubscriberCount(ownerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[ownerID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(ownerID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*subscriber)
	}
	d.subscribers[ownerID][sub.id] = sub
}

func (d *Dispatcher) unregister(ownerID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[ownerID]
	if subs == nil {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(d.subscribers, ownerID)
	}
}
