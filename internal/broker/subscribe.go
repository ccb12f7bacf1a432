package broker

import (
	"github.com/snehjoshi/epochalarm/internal/metrics"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
)

// Subscription receives every alarm fired after it was opened.
type Subscription struct {
	b  *Broker
	id int
	ch chan scheduler.Delivery
}

// C returns the delivery channel. It is closed by Close or when the broker
// shuts down.
func (s *Subscription) C() <-chan scheduler.Delivery { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; !ok {
		return
	}
	delete(s.b.subs, s)
	close(s.ch)
}

// Subscribe opens a subscription buffered to alarm.subscriber_buffer. A
// subscriber that falls further behind loses notifications rather than
// stalling the scheduler's worker.
func (b *Broker) Subscribe() *Subscription {
	buf := b.cfg.Alarm.SubscriberBuffer
	if buf < 1 {
		buf = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{b: b, id: b.nextID, ch: make(chan scheduler.Delivery, buf)}
	if b.closed.Load() {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) publish(d scheduler.Delivery) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- d:
		default:
			b.count(metrics.EventDropped)
			b.logger.Warn("subscriber lagging; dropped fired alarm", "subscriber", s.id, "id", d.ID, "ticket", d.Ticket)
		}
	}
}
