// Package broker is the façade every alarmd surface talks to.
//
// The console, the HTTP API and the WebSocket stream never touch the
// scheduler directly. The broker validates submissions, forwards them to the
// scheduler, journals how every alarm ended, counts metrics, and fans each
// fired alarm out to subscribers.
//
// Data flow:
//
//	Producer → Broker.Submit → scheduler.Submit   (replaced → history)
//	Producer → Broker.Cancel → scheduler.Cancel   (canceled → history)
//	Worker   → Broker.deliver → history + metrics + subscribers
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/snehjoshi/epochalarm/internal/config"
	"github.com/snehjoshi/epochalarm/internal/history"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
	"github.com/snehjoshi/epochalarm/internal/ticket"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrInvalidDelay is returned for negative delays or delays beyond
	// alarm.max_delay.
	ErrInvalidDelay = errors.New("broker: invalid delay")

	// ErrClosed is returned by Submit and Cancel after Close.
	ErrClosed = errors.New("broker: closed")

	// ErrHistoryDisabled is returned by History when no journal is open.
	ErrHistoryDisabled = errors.New("broker: history disabled")
)

// MaxSeconds is the largest whole-second delay, in either direction, that
// converts to a time.Duration without overflowing.
const MaxSeconds = math.MaxInt64 / int64(time.Second)

// SecondsInRange reports whether secs can be turned into a time.Duration.
// Callers that take delays in seconds must check it before multiplying.
func SecondsInRange(secs int) bool {
	s := int64(secs)
	return s >= -MaxSeconds && s <= MaxSeconds
}

// ─── Request / Response types ─────────────────────────────────────────────────

// SubmitRequest carries one alarm submission.
type SubmitRequest struct {
	ID      int
	Delay   time.Duration
	Message string
}

// SubmitResponse is returned after a successful Submit.
type SubmitResponse struct {
	scheduler.Receipt

	// Truncated is set when the message exceeded alarm.max_message_bytes.
	Truncated bool
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry so that every submission,
// cancellation and delivery increments the relevant counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger shared by the broker and its scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the scheduler, history journal and subscribers together.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg      *config.Config
	maxDelay time.Duration

	sched   *scheduler.Scheduler
	journal *history.Journal // nil when history is disabled
	metrics *metrics.Registry
	logger  *slog.Logger

	cancel    context.CancelFunc
	closed    atomic.Bool
	startedAt time.Time

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	nextID int
}

// New creates and starts a Broker. When history is enabled the journal is
// opened at cfg.History.File, relative to cfg.Node.DataDir.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	maxDelay, err := cfg.MaxDelayDuration()
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	b := &Broker{
		cfg:       cfg,
		maxDelay:  maxDelay,
		startedAt: time.Now(),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	if cfg.History.Enabled {
		path := cfg.History.File
		if !filepath.IsAbs(path) {
			if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("broker: create data dir: %w", err)
			}
			path = filepath.Join(cfg.Node.DataDir, path)
		}
		j, err := history.Open(path, cfg.History.MaxRecords)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.journal = j
	}

	b.sched = scheduler.New(
		scheduler.WithLogger(b.logger),
		scheduler.WithTickets(ticket.NewGenerator()),
		scheduler.WithSuppressed(func(scheduler.Request) { b.count(metrics.EventSuppressed) }),
	)
	if b.metrics != nil {
		b.metrics.SetPendingFunc(b.sched.Len)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sched.Start(ctx, b.deliver)
	return b, nil
}

// Close stops the scheduler, closes every subscription and the journal.
// Pending alarms are discarded.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.sched.Stop()

	b.mu.Lock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()

	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

// StartedAt returns when the broker was created.
func (b *Broker) StartedAt() time.Time { return b.startedAt }

// HistoryEnabled reports whether outcomes are being journaled.
func (b *Broker) HistoryEnabled() bool { return b.journal != nil }

// ─── Submit / Cancel ──────────────────────────────────────────────────────────

// Submit schedules an alarm. A live alarm with the same ID is replaced.
func (b *Broker) Submit(req SubmitRequest) (SubmitResponse, error) {
	if b.closed.Load() {
		return SubmitResponse{}, ErrClosed
	}
	if req.Delay < 0 {
		return SubmitResponse{}, fmt.Errorf("%w: %s is negative", ErrInvalidDelay, req.Delay)
	}
	if req.Delay > b.maxDelay {
		return SubmitResponse{}, fmt.Errorf("%w: %s exceeds maximum %s", ErrInvalidDelay, req.Delay, b.maxDelay)
	}

	msg, truncated := truncate(req.Message, b.cfg.Alarm.MaxMessageBytes)
	rcpt := b.sched.Submit(req.ID, req.Delay, msg)

	b.count(metrics.EventSubmitted)
	b.logger.Info("alarm submitted",
		"id", rcpt.ID,
		"ticket", rcpt.Ticket,
		"seconds", rcpt.Seconds(),
		"fire_at", rcpt.FireAt,
	)

	if old := rcpt.Superseded; old != nil {
		b.count(metrics.EventReplaced)
		b.logger.Info("alarm replaced", "id", old.ID, "ticket", old.Ticket, "replaced_by", rcpt.Ticket)
		b.record(recordOf(*old, history.OutcomeReplaced, rcpt.SubmittedAt, rcpt.Ticket))
	}
	return SubmitResponse{Receipt: rcpt, Truncated: truncated}, nil
}

// Cancel retires the live alarm carrying id. found is false when there was
// none; that is reported, not treated as an error.
func (b *Broker) Cancel(id int) (req scheduler.Request, found bool, err error) {
	if b.closed.Load() {
		return scheduler.Request{}, false, ErrClosed
	}
	req, found = b.sched.Cancel(id)
	if !found {
		b.count(metrics.EventCancelMissed)
		b.logger.Info("cancel: no live alarm", "id", id)
		return req, false, nil
	}
	b.count(metrics.EventCanceled)
	b.logger.Info("alarm canceled", "id", id, "ticket", req.Ticket)
	b.record(recordOf(req, history.OutcomeCanceled, time.Now(), ""))
	return req, true, nil
}

// Pending returns the queued alarms in firing order.
func (b *Broker) Pending() []scheduler.Request { return b.sched.Pending() }

// Len returns the number of live alarms.
func (b *Broker) Len() int { return b.sched.Len() }

// Idle reports whether no alarm is live or mid-delivery. When it returns true
// every earlier fired alarm has already been offered to subscribers.
func (b *Broker) Idle() bool { return b.sched.Idle() }

// History returns journaled outcomes, newest first.
func (b *Broker) History(q history.Query) ([]history.Record, error) {
	if b.journal == nil {
		return nil, ErrHistoryDisabled
	}
	return b.journal.List(q)
}

// Record returns the journaled outcome for ticket. It wraps
// history.ErrNotFound when the journal has no such record.
func (b *Broker) Record(tk string) (history.Record, error) {
	if b.journal == nil {
		return history.Record{}, ErrHistoryDisabled
	}
	return b.journal.Get(tk)
}

// HistoryLen returns the number of journaled records, or 0 when history is
// disabled.
func (b *Broker) HistoryLen() int {
	if b.journal == nil {
		return 0
	}
	return b.journal.Len()
}

// ─── delivery ─────────────────────────────────────────────────────────────────

// deliver runs on the scheduler's worker goroutine.
func (b *Broker) deliver(d scheduler.Delivery) {
	b.count(metrics.EventFired)
	if b.metrics != nil {
		b.metrics.ObserveLate(d.Late())
	}
	b.logger.Info("alarm fired",
		"id", d.ID,
		"ticket", d.Ticket,
		"seconds", d.Seconds(),
		"late_ms", d.Late().Milliseconds(),
	)
	b.record(history.Record{
		Ticket:      d.Ticket,
		ID:          d.ID,
		Seconds:     d.Seconds(),
		Message:     d.Payload,
		Outcome:     history.OutcomeFired,
		SubmittedAt: d.SubmittedAt,
		FireAt:      d.FireAt,
		At:          d.FiredAt,
	})
	b.publish(d)
}

func (b *Broker) record(rec history.Record) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Append(rec); err != nil {
		b.logger.Warn("history append failed", "ticket", rec.Ticket, "err", err)
	}
}

func (b *Broker) count(event string) {
	if b.metrics != nil {
		b.metrics.Events.Inc(event)
	}
}

func recordOf(r scheduler.Request, outcome history.Outcome, at time.Time, replacedBy string) history.Record {
	return history.Record{
		Ticket:      r.Ticket,
		ID:          r.ID,
		Seconds:     r.Seconds(),
		Message:     r.Payload,
		Outcome:     outcome,
		SubmittedAt: r.SubmittedAt,
		FireAt:      r.FireAt,
		At:          at,
		ReplacedBy:  replacedBy,
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
