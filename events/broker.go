package events

import (
	"context"
	"sync"

	"github.com/mohitkumar/caseflow/logger"
	"go.uber.org/zap"
)

const ALL_INSTANCES = ""

type subscription struct {
	instanceId string
	ch         chan Event
}

var _ Publisher = new(Broker)

// Broker fans events out to in-process subscribers. A subscriber whose
// buffer is full misses events rather than stalling the publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscription]struct{})}
}

// Subscribe returns a channel of events for instanceId, or for every instance
// with ALL_INSTANCES, and a function that ends the subscription.
func (b *Broker) Subscribe(instanceId string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	sub := &subscription{instanceId: instanceId, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

func (b *Broker) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.instanceId != ALL_INSTANCES && sub.instanceId != ev.InstanceId {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logger.Debug("dropping event for slow subscriber", zap.String("instance", ev.InstanceId), zap.String("type", string(ev.Type)))
		}
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
