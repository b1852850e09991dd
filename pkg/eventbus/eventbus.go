// Package eventbus fans engine events out to interested listeners (console
// reporters, UIs, tests) without ever letting a slow listener stall a backup
// worker. Publishing never blocks: a subscriber whose buffer is full loses
// its oldest event first.
package eventbus

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	// KindStatus signals a job status change.
	KindStatus Kind = "status"
	// KindProgress signals progress within an active job.
	KindProgress Kind = "progress"
)

// Event is one engine notification.
type Event struct {
	Time        time.Time
	Kind        Kind
	Job         string
	Status      string
	Progress    int
	CurrentFile string
}

const subscriberBuffer = 64

// Bus is a drop-oldest fan-out of engine events.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The cancel func detaches it and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. If a
// subscriber's buffer is full its oldest event is discarded to make room.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- e:
			default:
				// Buffer full: drop the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close detaches and closes every subscriber channel. Later Publish calls
// are silently dropped and later Subscribe calls get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
