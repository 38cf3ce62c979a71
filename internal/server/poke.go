package server

import (
	"context"
	"sync"
	"time"
)

// PokeMessage is the bare wake-up signal telling a client group to pull.
// It carries no data; correctness never depends on its delivery.
type PokeMessage struct {
	Channel   string
	Timestamp time.Time
}

// PokeDispatcher fans pokes out to in-process subscribers, keyed by client
// group id. Instances are injectable; there is no package-level singleton.
type PokeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*pokeSubscriber
	nextID      int64
	bufferSize  int
}

type pokeSubscriber struct {
	id     int64
	stream chan PokeMessage
}

// NewPokeDispatcher constructs an empty dispatcher.
func NewPokeDispatcher() *PokeDispatcher {
	return &PokeDispatcher{
		subscribers: make(map[string]map[int64]*pokeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for a channel. The returned cleanup is
// idempotent and also runs when the context is canceled.
func (d *PokeDispatcher) Subscribe(ctx context.Context, channel string) (<-chan PokeMessage, func()) {
	if channel == "" {
		ch := make(chan PokeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &pokeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan PokeMessage, d.bufferSize),
	}
	d.registerSubscriber(channel, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(channel, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Poke signals every subscriber of the channel. Slow subscribers are
// skipped rather than blocked on; a missed poke only delays the next pull.
func (d *PokeDispatcher) Poke(channel string) {
	if channel == "" {
		return
	}
	message := PokeMessage{Channel: channel, Timestamp: time.Now().UTC()}
	d.mu.RLock()
	subscribers := d.subscribers[channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*pokeSubscriber, 0, len(subscribers))
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

func (d *PokeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *PokeDispatcher) registerSubscriber(channel string, subscriber *pokeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*pokeSubscriber)
	}
	d.subscribers[channel][subscriber.id] = subscriber
}

func (d *PokeDispatcher) unregisterSubscriber(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
