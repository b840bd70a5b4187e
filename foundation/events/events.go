// Package events fans the node's event lines out to websocket subscribers.
// Every line starts with its source ("state: ...", "worker: ...") and a
// subscriber can ask for a subset of sources.
package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the capacity of each subscriber's channel. Lines that
// don't fit are dropped for that subscriber and counted.
const subscriberBuffer = 100

type subscriber struct {
	ch      chan string
	sources map[string]struct{}
}

func (s subscriber) wants(line string) bool {
	if len(s.sources) == 0 {
		return true
	}

	_, ok := s.sources[Source(line)]
	return ok
}

// Events is the hub subscribers register with.
type Events struct {
	mu      sync.RWMutex
	subs    map[string]subscriber
	dropped atomic.Uint64
}

// New constructs an empty hub.
func New() *Events {
	return &Events{
		subs: make(map[string]subscriber),
	}
}

// Subscribe registers id and returns the channel its lines arrive on. With
// no sources every line is delivered. Subscribing an id twice replaces the
// source filter and keeps the channel.
func (evt *Events) Subscribe(id string, sources ...string) <-chan string {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	set := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if src = strings.TrimSpace(src); src != "" {
			set[src] = struct{}{}
		}
	}

	sub, exists := evt.subs[id]
	if !exists {
		sub.ch = make(chan string, subscriberBuffer)
	}
	sub.sources = set
	evt.subs[id] = sub

	return sub.ch
}

// Unsubscribe closes the channel of id and forgets it.
func (evt *Events) Unsubscribe(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	sub, exists := evt.subs[id]
	if !exists {
		return fmt.Errorf("subscriber %q does not exist", id)
	}

	delete(evt.subs, id)
	close(sub.ch)
	return nil
}

// Shutdown closes every subscriber channel.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, sub := range evt.subs {
		delete(evt.subs, id)
		close(sub.ch)
	}
}

// Subscribers returns the number of registered subscribers.
func (evt *Events) Subscribers() int {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	return len(evt.subs)
}

// Dropped returns how many lines were dropped on full subscriber channels.
func (evt *Events) Dropped() uint64 {
	return evt.dropped.Load()
}

// Publish delivers line to every subscriber that wants its source. It never
// blocks on a slow subscriber.
func (evt *Events) Publish(line string) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for _, sub := range evt.subs {
		if !sub.wants(line) {
			continue
		}

		select {
		case sub.ch <- line:
		default:
			evt.dropped.Add(1)
		}
	}
}

// Source returns the part of an event line before the first colon.
func Source(line string) string {
	src, _, found := strings.Cut(line, ":")
	if !found {
		return ""
	}
	return src
}
