package scheduler

import "time"

// Request is one scheduled alarm. Values returned by the Scheduler are
// copies; the live request is owned by the queue until the worker pops it.
type Request struct {
	// ID is the application-chosen identifier. At most one live request
	// carries a given ID at any time.
	ID int

	// Ticket uniquely identifies this submission, even across replacements
	// that reuse ID.
	Ticket string

	// Delay is the duration the caller asked for, kept for reporting.
	Delay time.Duration

	Payload string

	SubmittedAt time.Time

	// FireAt is SubmittedAt + Delay and is the queue's sort key.
	FireAt time.Time

	// superseded is set by a producer when it replaces or cancels the
	// request while the worker holds it. Guarded by Scheduler.mu.
	superseded bool
}

// Seconds reports the requested delay in whole seconds.
func (r Request) Seconds() int { return int(r.Delay / time.Second) }

// due reports whether r may fire at now.
func (r *Request) due(now time.Time) bool { return !r.FireAt.After(now) }

// Receipt is returned by Submit.
type Receipt struct {
	Request

	// Superseded is the live request that this submission replaced, or nil
	// when no request with the same ID was live.
	Superseded *Request
}

// Replaced reports whether the submission replaced a live request.
func (r Receipt) Replaced() bool { return r.Superseded != nil }

// Delivery is handed to the DeliverFunc exactly once per request that
// reaches its deadline without being canceled or superseded.
type Delivery struct {
	ID          int
	Ticket      string
	Delay       time.Duration
	Payload     string
	SubmittedAt time.Time
	FireAt      time.Time
	FiredAt     time.Time

	// Elapsed is FiredAt - SubmittedAt, or zero if the wall clock stepped
	// backwards in between.
	Elapsed time.Duration
}

// Seconds reports the requested delay in whole seconds.
func (d Delivery) Seconds() int { return int(d.Delay / time.Second) }

// Late reports how far past its deadline the delivery happened.
func (d Delivery) Late() time.Duration {
	if l := d.FiredAt.Sub(d.FireAt); l > 0 {
		return l
	}
	return 0
}

// DeliverFunc receives fired alarms. It is called from the worker goroutine
// without the scheduler lock held; a slow DeliverFunc delays later deliveries
// but cannot corrupt scheduler state.
type DeliverFunc func(Delivery)

func newDelivery(r *Request, now time.Time) Delivery {
	elapsed := now.Sub(r.SubmittedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return Delivery{
		ID:          r.ID,
		Ticket:      r.Ticket,
		Delay:       r.Delay,
		Payload:     r.Payload,
		SubmittedAt: r.SubmittedAt,
		FireAt:      r.FireAt,
		FiredAt:     now,
		Elapsed:     elapsed,
	}
}
