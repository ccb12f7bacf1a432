package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func req(id int, offsetSec int) *Request {
	return &Request{ID: id, FireAt: base.Add(time.Duration(offsetSec) * time.Second)}
}

func ids(q *deadlineQueue) []int {
	out := make([]int, 0, q.Len())
	for _, r := range q.items {
		out = append(out, r.ID)
	}
	return out
}

func TestQueue_InsertKeepsAscendingOrder(t *testing.T) {
	var q deadlineQueue
	q.insert(req(1, 30))
	q.insert(req(2, 10))
	q.insert(req(3, 20))
	q.insert(req(4, 40))
	q.insert(req(5, 0))

	assert.Equal(t, []int{5, 2, 3, 1, 4}, ids(&q))
}

func TestQueue_EqualDeadlinesKeepInsertionOrder(t *testing.T) {
	var q deadlineQueue
	q.insert(req(1, 10))
	q.insert(req(2, 10))
	q.insert(req(3, 5))
	q.insert(req(4, 10))

	assert.Equal(t, []int{3, 1, 2, 4}, ids(&q))
}

func TestQueue_RequeueRestoresHeadPosition(t *testing.T) {
	var q deadlineQueue
	q.insert(req(1, 10))
	q.insert(req(2, 10))

	head, ok := q.popEarliest()
	require.True(t, ok)
	require.Equal(t, 1, head.ID)

	q.requeue(head)
	assert.Equal(t, []int{1, 2}, ids(&q))
}

func TestQueue_RemoveByID(t *testing.T) {
	var q deadlineQueue
	q.insert(req(1, 10))
	q.insert(req(2, 20))
	q.insert(req(3, 30))

	r, ok := q.removeByID(2)
	require.True(t, ok)
	assert.Equal(t, 2, r.ID)
	assert.Equal(t, []int{1, 3}, ids(&q))

	// Head and tail removal.
	_, ok = q.removeByID(1)
	require.True(t, ok)
	_, ok = q.removeByID(3)
	require.True(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RemoveUnknownLeavesQueueUnchanged(t *testing.T) {
	var q deadlineQueue
	q.insert(req(1, 10))
	q.insert(req(2, 10))
	q.insert(req(3, 5))
	before := q.snapshot()

	r, ok := q.removeByID(99)
	assert.False(t, ok)
	assert.Nil(t, r)
	assert.Equal(t, before, q.snapshot())
}

func TestQueue_PeekAndPopEmpty(t *testing.T) {
	var q deadlineQueue
	_, ok := q.peekEarliest()
	assert.False(t, ok)
	_, ok = q.popEarliest()
	assert.False(t, ok)
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	var q deadlineQueue
	q.insert(req(1, 20))
	q.insert(req(2, 10))

	at, ok := q.peekEarliest()
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Second), at)
	assert.Equal(t, 2, q.Len())

	r, ok := q.popEarliest()
	require.True(t, ok)
	assert.Equal(t, 2, r.ID)
	assert.Equal(t, []int{1}, ids(&q))
}

func TestQueue_SnapshotIsACopy(t *testing.T) {
	var q deadlineQueue
	q.insert(&Request{ID: 1, Payload: "a", FireAt: base})

	snap := q.snapshot()
	snap[0].Payload = "mutated"
	assert.Equal(t, "a", q.items[0].Payload)
}

func TestRequest_DueAtDeadline(t *testing.T) {
	r := req(1, 10)
	assert.False(t, r.due(base.Add(9*time.Second)))
	assert.True(t, r.due(base.Add(10*time.Second)))
	assert.True(t, r.due(base.Add(11*time.Second)))
}

func TestDelivery_ElapsedClampedAtZero(t *testing.T) {
	r := &Request{SubmittedAt: base, FireAt: base, Delay: 3 * time.Second}
	d := newDelivery(r, base.Add(-time.Second))
	assert.Equal(t, time.Duration(0), d.Elapsed)
	assert.Equal(t, 3, d.Seconds())

	d = newDelivery(r, base.Add(4*time.Second))
	assert.Equal(t, 4*time.Second, d.Elapsed)
	assert.Equal(t, 4*time.Second, d.Late())
}
