// Package events is the process-wide publish/subscribe hub that carries
// progress, completion and notification payloads between components.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Topic names a stream of events, e.g. "download.progress".
type Topic string

// All subscribes to every topic.
const All Topic = "*"

// Event is a sequenced payload delivered to subscribers.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
}

type Handler func(Event)

type subscriber struct {
	id int64
	fn Handler
}

// Bus delivers events synchronously on the publishing goroutine. Delivery is
// serialized across publishers, so per-topic order equals publication order.
// Handlers must not publish from inside a delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscriber
	nextID int64

	deliver sync.Mutex
	seq     int64

	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:   make(map[Topic][]subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers payload to the subscribers of topic and of All.
func (b *Bus) Publish(topic Topic, payload any) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.seq++
	ev := Event{
		Seq:       b.seq,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[topic])+len(b.subs[All]))
	targets = append(targets, b.subs[topic]...)
	if topic != All {
		targets = append(targets, b.subs[All]...)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{"topic": ev.Topic, "seq": ev.Seq}).Errorf("event handler panicked: %v", r)
		}
	}()
	s.fn(ev)
}

// Stream forwards matching events into a buffered channel until ctx is done.
// Events are dropped for a consumer whose buffer is full; the publisher never
// waits on a slow reader.
func (b *Bus) Stream(ctx context.Context, buffer int, topics ...Topic) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	if len(topics) == 0 {
		topics = []Topic{All}
	}
	out := make(chan Event, buffer)

	var mu sync.Mutex
	closed := false
	send := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
			b.logger.WithField("topic", ev.Topic).Debug("dropping event for slow stream consumer")
		}
	}

	unsubs := make([]func(), 0, len(topics))
	for _, t := range topics {
		unsubs = append(unsubs, b.Subscribe(t, send))
	}

	go func() {
		<-ctx.Done()
		for _, u := range unsubs {
			u()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out
}
