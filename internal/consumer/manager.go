// Package consumer pushes fired alarms to registered webhook URLs.
//
// Each subscription owns a broker subscription and a goroutine that POSTs
// every fired alarm to its URL, retrying failed posts with a doubling
// backoff. An alarm that still fails after the last attempt is logged and
// counted, then dropped.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
	"github.com/snehjoshi/epochalarm/internal/ticket"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidURL           = errors.New("consumer: url must be an http or https URL")
)

// Subscription is a registered webhook.
type Subscription struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// AlarmID restricts the webhook to one message number when non-nil.
	AlarmID *int `json:"alarm_id,omitempty"`

	secret string
	cancel context.CancelFunc
	done   chan struct{}
}

// Options tunes delivery for every subscription of a Manager.
type Options struct {
	Timeout     time.Duration // per POST; default 10s
	MaxAttempts int           // default 3
	Backoff     time.Duration // first retry delay; default 500ms
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Manager owns the webhook subscriptions.
type Manager struct {
	broker  *broker.Broker
	opts    Options
	client  *http.Client
	tickets *ticket.Generator

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager creates a Manager delivering alarms fired by b.
func NewManager(b *broker.Broker, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		broker:  b,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		tickets: ticket.NewGenerator(),
		subs:    make(map[string]*Subscription),
	}
}

// ValidURL checks that the target URL is a plain http or https address.
func ValidURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// Register starts delivering fired alarms to rawURL. A non-nil alarmID limits
// delivery to that message number. Signing is skipped when secret is empty.
func (m *Manager) Register(rawURL, secret string, alarmID *int) (*Subscription, error) {
	if !ValidURL(rawURL) {
		return nil, ErrInvalidURL
	}
	id, err := m.tickets.Next()
	if err != nil {
		return nil, fmt.Errorf("consumer: generate subscription ID: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:      id,
		URL:     rawURL,
		AlarmID: alarmID,
		secret:  secret,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	// Subscribe before returning so no alarm fired after Register is missed.
	feed := m.broker.Subscribe()

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	go m.deliveryLoop(ctx, sub, feed)
	m.opts.Logger.Info("webhook registered", "id", id, "url", rawURL)
	return sub, nil
}

// Deregister stops the subscription and waits for its loop to exit.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	<-sub.done
	m.opts.Logger.Info("webhook deregistered", "id", id)
	return nil
}

// List returns the registered subscriptions ordered by ID.
func (m *Manager) List() []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, Subscription{ID: s.ID, URL: s.URL, AlarmID: s.AlarmID})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription, feed *broker.Subscription) {
	defer close(sub.done)
	defer feed.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-feed.C():
			if !ok {
				return
			}
			if sub.AlarmID != nil && d.ID != *sub.AlarmID {
				continue
			}
			m.deliver(ctx, sub, d)
		}
	}
}

// deliver posts d, retrying with a doubling backoff.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, d scheduler.Delivery) {
	wait := m.opts.Backoff
	for attempt := 1; ; attempt++ {
		err := post(ctx, m.client, sub, d)
		if err == nil {
			m.count(metrics.EventWebhookDelivered)
			return
		}
		if attempt >= m.opts.MaxAttempts || ctx.Err() != nil {
			m.count(metrics.EventWebhookFailed)
			m.opts.Logger.Warn("webhook delivery failed, giving up",
				"sub", sub.ID, "id", d.ID, "ticket", d.Ticket, "attempts", attempt, "err", err)
			return
		}
		m.opts.Logger.Debug("webhook delivery failed, retrying",
			"sub", sub.ID, "id", d.ID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			m.count(metrics.EventWebhookFailed)
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (m *Manager) count(event string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.Events.Inc(event)
	}
}
