package scheduler

import (
	"slices"
	"sort"
	"time"
)

// deadlineQueue keeps pending requests sorted ascending by FireAt. Requests
// with equal FireAt stay in insertion order.
//
// deadlineQueue is not safe for concurrent use; every method must be called
// with Scheduler.mu held.
type deadlineQueue struct {
	items []*Request
}

func (q *deadlineQueue) Len() int { return len(q.items) }

// insert places r after every request due at or before r.FireAt.
func (q *deadlineQueue) insert(r *Request) {
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].FireAt.After(r.FireAt)
	})
	q.items = slices.Insert(q.items, i, r)
}

// requeue puts back a request the worker popped too early. It goes ahead of
// requests with the same FireAt so its original position is restored.
func (q *deadlineQueue) requeue(r *Request) {
	i := sort.Search(len(q.items), func(i int) bool {
		return !q.items[i].FireAt.Before(r.FireAt)
	})
	q.items = slices.Insert(q.items, i, r)
}

// removeByID detaches and returns the request carrying id.
func (q *deadlineQueue) removeByID(id int) (*Request, bool) {
	i := slices.IndexFunc(q.items, func(r *Request) bool { return r.ID == id })
	if i < 0 {
		return nil, false
	}
	r := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	return r, true
}

// peekEarliest returns the head's deadline without removing it.
func (q *deadlineQueue) peekEarliest() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].FireAt, true
}

// popEarliest removes and returns the head.
func (q *deadlineQueue) popEarliest() (*Request, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r, true
}

// snapshot copies the pending requests in delivery order.
func (q *deadlineQueue) snapshot() []Request {
	out := make([]Request, len(q.items))
	for i, r := range q.items {
		out[i] = *r
	}
	return out
}
