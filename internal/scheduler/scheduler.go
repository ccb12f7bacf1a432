// Package scheduler is the alarm coordination core: a deadline-ordered queue
// of pending requests, a single worker goroutine that sleeps until the
// earliest deadline, and the wake protocol that lets producers insert,
// replace and cancel requests while the worker is already waiting.
//
// The worker waits on a timer for the current target deadline and on a
// buffered wake channel. Producers signal the wake channel whenever a
// mutation leaves the worker idle with work queued, or queues a deadline
// earlier than the one it is waiting for. The worker re-evaluates the queue
// after every wake, so spurious or coalesced signals are harmless.
//
// All queue, registry and coordinator state lives behind one mutex. The
// DeliverFunc is never called with that mutex held.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/epochalarm/internal/ticket"
)

// Scheduler delivers alarms at or after their deadline.
//
// Usage:
//
//	s := scheduler.New()
//	s.Start(ctx, func(d scheduler.Delivery) {
//	    fmt.Printf("%d Message(%d) %s\n", d.Seconds(), d.ID, d.Payload)
//	})
//	defer s.Stop()
//
//	s.Submit(7, 5*time.Second, "tea is ready")
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	queue deadlineQueue

	// held is the request the worker has popped as due but not yet
	// committed to delivery. It still counts as live.
	held *Request

	// target is the deadline the worker is sleeping toward; zero while the
	// worker is idle or not running.
	target time.Time

	// delivering is set while a committed request is inside DeliverFunc.
	delivering bool

	// wake has capacity 1. A pending signal means "re-evaluate the queue".
	wake chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup

	tickets *ticket.Generator
	logger  *slog.Logger
	now     func() time.Time

	// suppressed is told about every due request that was replaced or
	// canceled before its delivery was committed.
	suppressed func(Request)

	// heldHook runs in the worker between popping a due request and
	// committing its delivery. Tests use it to widen that window.
	heldHook func(Request)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduler events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithTickets shares a ticket generator with other components.
func WithTickets(g *ticket.Generator) Option {
	return func(s *Scheduler) { s.tickets = g }
}

// WithSuppressed registers fn to be called, on the worker goroutine, for
// each due request whose delivery was suppressed because it was replaced or
// canceled while held.
func WithSuppressed(fn func(Request)) Option {
	return func(s *Scheduler) { s.suppressed = fn }
}

// New creates a Scheduler. Call Start to begin delivering.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tickets == nil {
		s.tickets = ticket.NewGenerator()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Submit schedules payload to fire delay from now under id. If a live
// request already carries id it is replaced atomically: it will never be
// delivered, and the returned Receipt describes it in Superseded.
func (s *Scheduler) Submit(id int, delay time.Duration, payload string) Receipt {
	tk := s.tickets.MustNext()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r := &Request{
		ID:          id,
		Ticket:      tk,
		Delay:       delay,
		Payload:     payload,
		SubmittedAt: now,
		FireAt:      now.Add(delay),
	}

	var prev *Request
	if old, ok := s.retireLocked(id); ok {
		c := *old
		prev = &c
	}
	s.queue.insert(r)
	s.signalLocked()

	if prev != nil {
		s.logger.Debug("alarm replaced", "id", id, "ticket", tk, "replaced_ticket", prev.Ticket)
	}
	return Receipt{Request: *r, Superseded: prev}
}

// Cancel retires the live request carrying id. It reports false when no
// request with that id is live; that is not an error. Once Cancel returns
// true the canceled payload is never delivered.
func (s *Scheduler) Cancel(id int) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retireLocked(id)
	if !ok {
		return Request{}, false
	}
	s.signalLocked()
	return *r, true
}

// retireLocked removes the live request carrying id from the queue, or marks
// the worker's held request as superseded.
// MUST be called with s.mu held.
func (s *Scheduler) retireLocked(id int) (*Request, bool) {
	if r, ok := s.queue.removeByID(id); ok {
		return r, true
	}
	if s.held != nil && s.held.ID == id && !s.held.superseded {
		s.held.superseded = true
		return s.held, true
	}
	return nil, false
}

// signalLocked wakes the worker when it is idle with work queued, or when
// the earliest deadline is now before the one it is sleeping toward.
// MUST be called with s.mu held, after every mutation.
func (s *Scheduler) signalLocked() {
	next, ok := s.queue.peekEarliest()
	if !ok {
		return
	}
	if !s.target.IsZero() && !next.Before(s.target) {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
		// A signal is already pending; the worker will re-evaluate.
	}
}

// Pending returns the queued requests in delivery order. The request held
// by the worker, if any, is not included.
func (s *Scheduler) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshot()
}

// Len returns the number of live requests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.queue.Len()
	if s.held != nil && !s.held.superseded {
		n++
	}
	return n
}

// Idle reports whether nothing is queued, held, or being delivered. Once
// Idle returns true every DeliverFunc call for earlier requests has returned.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() == 0 && s.held == nil && !s.delivering
}

// Target returns the deadline the worker is currently waiting for. ok is
// false while the worker is idle.
func (s *Scheduler) Target() (deadline time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, !s.target.IsZero()
}

// Start launches the worker goroutine. deliver is called for each request
// whose deadline has arrived. Start must be called at most once.
func (s *Scheduler) Start(ctx context.Context, deliver DeliverFunc) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("scheduler: Start called twice")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, deliver)
}

// Stop shuts down the worker and waits for it to exit. An in-flight
// DeliverFunc call is allowed to finish. Pending requests are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ─── worker ──────────────────────────────────────────────────────────────────

type wakeReason int

const (
	wakeStop wakeReason = iota
	wakeSignal
	wakeTimeout
)

func (s *Scheduler) run(ctx context.Context, deliver DeliverFunc) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.target = time.Time{}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		next, ok := s.queue.peekEarliest()
		if !ok {
			s.target = time.Time{}
		} else {
			s.target = next
		}
		s.mu.Unlock()

		var reason wakeReason
		if !ok {
			reason = s.waitIdle(ctx)
		} else {
			reason = s.waitUntil(ctx, next)
		}

		switch reason {
		case wakeStop:
			return
		case wakeSignal:
			// Queue changed under us; re-evaluate the earliest deadline.
			continue
		case wakeTimeout:
			s.deliverNext(deliver)
		}
	}
}

// waitIdle blocks until a producer signals or the scheduler stops.
func (s *Scheduler) waitIdle(ctx context.Context) wakeReason {
	select {
	case <-ctx.Done():
		return wakeStop
	case <-s.done:
		return wakeStop
	case <-s.wake:
		return wakeSignal
	}
}

// waitUntil blocks until deadline, a producer signal, or stop.
func (s *Scheduler) waitUntil(ctx context.Context, deadline time.Time) wakeReason {
	d := deadline.Sub(s.now())
	if d <= 0 {
		select {
		case <-ctx.Done():
			return wakeStop
		case <-s.done:
			return wakeStop
		default:
			return wakeTimeout
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return wakeStop
	case <-s.done:
		return wakeStop
	case <-s.wake:
		return wakeSignal
	case <-t.C:
		return wakeTimeout
	}
}

// deliverNext pops the earliest request and delivers it if it is due.
func (s *Scheduler) deliverNext(deliver DeliverFunc) {
	s.mu.Lock()
	r, ok := s.queue.popEarliest()
	if !ok {
		s.mu.Unlock()
		return
	}
	if !r.due(s.now()) {
		// Woken early: put it back where it was and wait again.
		s.queue.requeue(r)
		s.mu.Unlock()
		return
	}
	s.held = r
	s.mu.Unlock()

	if s.heldHook != nil {
		s.heldHook(*r)
	}

	s.mu.Lock()
	superseded := r.superseded
	s.held = nil
	s.delivering = !superseded
	now := s.now()
	s.mu.Unlock()

	if superseded {
		s.logger.Debug("alarm suppressed", "id", r.ID, "ticket", r.Ticket)
		if s.suppressed != nil {
			s.suppressed(*r)
		}
		return
	}
	defer func() {
		s.mu.Lock()
		s.delivering = false
		s.mu.Unlock()
	}()
	deliver(newDelivery(r, now))
}
