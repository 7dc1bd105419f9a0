package progress

import (
	"sync"
)

// subscriberBuffer bounds each subscriber channel; a stalled SSE client loses
// intermediate updates instead of blocking the publishing job.
const subscriberBuffer = 128

// Feed fans one job's event stream out to any number of subscribers and keeps
// the most recent event for polling reads. A Feed is created when its job is
// registered and closed when the job goroutine exits.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	last   *Event
	closed bool
}

// NewFeed creates an open feed with no subscribers
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Publish delivers the event to every subscriber without blocking the
// publisher. Publishing on a closed feed is a no-op so a job racing its own
// teardown cannot panic.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.last = &ev
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Last returns the most recently published event, or false when nothing has
// been published yet
func (f *Feed) Last() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Event{}, false
	}
	return *f.last, true
}

// Subscribe registers a new consumer. The returned cancel func must be called
// when the consumer stops reading; the channel is closed when either cancel
// runs or the feed itself closes.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, cancel := f.subscribeLocked()
	return ch, cancel
}

// SubscribeWithReplay is Subscribe with the most recent event pre-queued on
// the returned channel. The snapshot and the registration happen under one
// lock, so a concurrent publish can neither be missed nor delivered twice.
func (f *Feed) SubscribeWithReplay() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, cancel := f.subscribeLocked()
	if !f.closed && f.last != nil {
		// the fresh buffered channel is empty, this never blocks
		ch <- *f.last
	}
	return ch, cancel
}

func (f *Feed) subscribeLocked() (chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close ends the feed; all subscriber channels are closed and later publishes
// are dropped
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
