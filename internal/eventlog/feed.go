package eventlog

import (
	"sync"
)

// Feed is the in-process fan-out of committed events. The integrity monitor
// and the WebSocket streamer subscribe here; delivery is non-blocking and a
// slow subscriber drops events rather than stalling the writer.
type Feed struct {
	mu         sync.RWMutex
	byType     map[EventType][]chan *Event
	allSubs    []chan *Event
	bufferSize int
}

// NewFeed creates a feed with the given per-subscriber buffer.
func NewFeed(bufferSize int) *Feed {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Feed{
		byType:     make(map[EventType][]chan *Event),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a channel receiving committed events of the given types,
// or all events when none are named.
func (f *Feed) Subscribe(types ...EventType) chan *Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan *Event, f.bufferSize)
	if len(types) == 0 {
		f.allSubs = append(f.allSubs, ch)
	} else {
		for _, t := range types {
			f.byType[t] = append(f.byType[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (f *Feed) Unsubscribe(ch chan *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for t, subs := range f.byType {
		f.byType[t] = removeChan(subs, ch)
	}
	f.allSubs = removeChan(f.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers an event to matching subscribers without blocking.
func (f *Feed) Publish(ev *Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.byType[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range f.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := len(f.allSubs)
	for _, subs := range f.byType {
		n += len(subs)
	}
	return n
}
