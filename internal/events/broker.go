package events

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber that falls this far behind.
const subscriberBufferSize = 64

// Publisher is the outbound side of the event channel. Stage runners and the
// sandbox executor publish through this; they never block on delivery.
type Publisher interface {
	Publish(jobID string, e Event)
}

// Broker manages per-job event delivery to subscribers. It is safe for
// concurrent use.
//
// Unlike a single-run log stream, a job's channel spans multiple stage
// executions, so topics stay open between stages. Subscribers decide when to
// stop by watching for terminal status_update events; Close is only called
// when a job is removed or the server shuts down.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

var _ Publisher = (*Broker)(nil)

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given job and an
// unsubscribe function.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given job. Events are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(jobID string, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close removes a job's topic and closes all of its subscriber channels.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	delete(b.topics, jobID)
	for _, ch := range t.subs {
		close(ch)
	}
}

// CloseAll closes every topic. Used during shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, t := range b.topics {
		for _, ch := range t.subs {
			close(ch)
		}
		delete(b.topics, id)
	}
}
