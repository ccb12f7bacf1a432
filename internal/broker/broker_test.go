package broker_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/config"
	"github.com/snehjoshi/epochalarm/internal/history"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	return cfg
}

func newTestBroker(t *testing.T, opts ...broker.Option) *broker.Broker {
	t.Helper()
	b, err := broker.New(newTestConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func next(t *testing.T, sub *broker.Subscription, timeout time.Duration) scheduler.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return d
	case <-time.After(timeout):
		t.Fatal("no delivery within timeout")
		return scheduler.Delivery{}
	}
}

func historyOf(t *testing.T, b *broker.Broker, id int) []history.Record {
	t.Helper()
	recs, err := b.History(history.Query{ID: &id})
	require.NoError(t, err)
	return recs
}

// ─── Submit ──────────────────────────────────────────────────────────────────

func TestBroker_SubmitFiresToSubscriber(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	defer sub.Close()

	resp, err := b.Submit(broker.SubmitRequest{ID: 1, Delay: 50 * time.Millisecond, Message: "hello"})
	require.NoError(t, err)
	assert.False(t, resp.Replaced())
	assert.NotEmpty(t, resp.Ticket)

	d := next(t, sub, time.Second)
	assert.Equal(t, 1, d.ID)
	assert.Equal(t, "hello", d.Payload)
	assert.Equal(t, resp.Ticket, d.Ticket)
}

func TestBroker_SubmitRejectsBadDelay(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Submit(broker.SubmitRequest{ID: 1, Delay: -time.Second})
	assert.True(t, errors.Is(err, broker.ErrInvalidDelay))

	_, err = b.Submit(broker.SubmitRequest{ID: 1, Delay: 25 * time.Hour})
	assert.ErrorIs(t, err, broker.ErrInvalidDelay)
	assert.Equal(t, 0, b.Len())
}

func TestBroker_SubmitTruncatesLongMessage(t *testing.T) {
	b := newTestBroker(t)

	resp, err := b.Submit(broker.SubmitRequest{ID: 1, Delay: time.Hour, Message: strings.Repeat("x", 100)})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Payload, 64)
}

func TestBroker_TruncateKeepsRunesWhole(t *testing.T) {
	b := newTestBroker(t)

	// 63 ASCII bytes then a 2-byte rune straddling the 64-byte limit.
	msg := strings.Repeat("a", 63) + "é"
	resp, err := b.Submit(broker.SubmitRequest{ID: 1, Delay: time.Hour, Message: msg})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, strings.Repeat("a", 63), resp.Payload)
}

func TestBroker_ReplacementJournaled(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	defer sub.Close()

	first, err := b.Submit(broker.SubmitRequest{ID: 7, Delay: 5 * time.Second, Message: "old"})
	require.NoError(t, err)
	second, err := b.Submit(broker.SubmitRequest{ID: 7, Delay: 50 * time.Millisecond, Message: "new"})
	require.NoError(t, err)
	require.True(t, second.Replaced())

	d := next(t, sub, time.Second)
	assert.Equal(t, "new", d.Payload)

	require.Eventually(t, func() bool { return len(historyOf(t, b, 7)) == 2 }, time.Second, 10*time.Millisecond)
	recs := historyOf(t, b, 7)
	// Newest submission first.
	assert.Equal(t, second.Ticket, recs[0].Ticket)
	assert.Equal(t, history.OutcomeFired, recs[0].Outcome)
	assert.Equal(t, first.Ticket, recs[1].Ticket)
	assert.Equal(t, history.OutcomeReplaced, recs[1].Outcome)
	assert.Equal(t, second.Ticket, recs[1].ReplacedBy)
}

// ─── Cancel ──────────────────────────────────────────────────────────────────

func TestBroker_Cancel(t *testing.T) {
	reg := &metrics.Registry{}
	b := newTestBroker(t, broker.WithMetrics(reg))

	_, err := b.Submit(broker.SubmitRequest{ID: 3, Delay: time.Hour, Message: "m"})
	require.NoError(t, err)

	req, found, err := b.Cancel(3)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "m", req.Payload)

	_, found, err = b.Cancel(3)
	require.NoError(t, err)
	assert.False(t, found)

	recs := historyOf(t, b, 3)
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeCanceled, recs[0].Outcome)

	assert.Equal(t, int64(1), reg.Events.Value(metrics.EventCanceled))
	assert.Equal(t, int64(1), reg.Events.Value(metrics.EventCancelMissed))
}

func TestBroker_PendingOrder(t *testing.T) {
	b := newTestBroker(t)
	for id, d := range map[int]time.Duration{1: 3 * time.Hour, 2: time.Hour, 3: 2 * time.Hour} {
		_, err := b.Submit(broker.SubmitRequest{ID: id, Delay: d})
		require.NoError(t, err)
	}

	var order []int
	for _, r := range b.Pending() {
		order = append(order, r.ID)
	}
	assert.Equal(t, []int{2, 3, 1}, order)
	assert.Equal(t, 3, b.Len())
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

func TestBroker_Metrics(t *testing.T) {
	reg := &metrics.Registry{}
	b := newTestBroker(t, broker.WithMetrics(reg))
	sub := b.Subscribe()
	defer sub.Close()

	_, _ = b.Submit(broker.SubmitRequest{ID: 1, Delay: time.Hour})
	_, _ = b.Submit(broker.SubmitRequest{ID: 1, Delay: 10 * time.Millisecond})
	next(t, sub, time.Second)

	assert.Equal(t, int64(2), reg.Events.Value(metrics.EventSubmitted))
	assert.Equal(t, int64(1), reg.Events.Value(metrics.EventReplaced))
	assert.Equal(t, int64(1), reg.Events.Value(metrics.EventFired))
	assert.Contains(t, reg.Render(), "alarmd_alarms_pending 0")
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Alarm.SubscriberBuffer = 1
	reg := &metrics.Registry{}
	b, err := broker.New(cfg, broker.WithMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	slow := b.Subscribe() // never read until the end
	defer slow.Close()
	fast := b.Subscribe()
	defer fast.Close()

	for i := 0; i < 3; i++ {
		_, err := b.Submit(broker.SubmitRequest{ID: i, Delay: time.Duration(i) * 20 * time.Millisecond})
		require.NoError(t, err)
		next(t, fast, time.Second)
	}

	require.Eventually(t, func() bool {
		return reg.Events.Value(metrics.EventDropped) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, slow.C(), 1)
}

func TestBroker_CloseClosesSubscriptions(t *testing.T) {
	b, err := broker.New(newTestConfig(t))
	require.NoError(t, err)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close() // no panic after broker close

	_, err = b.Submit(broker.SubmitRequest{ID: 1})
	assert.ErrorIs(t, err, broker.ErrClosed)
	_, _, err = b.Cancel(1)
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestBroker_HistoryDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.History.Enabled = false
	b, err := broker.New(cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.False(t, b.HistoryEnabled())
	_, err = b.History(history.Query{})
	assert.ErrorIs(t, err, broker.ErrHistoryDisabled)
}
