// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for alarmd. It renders the text exposition format itself rather
// than pulling in prometheus/client_golang.
//
// # Counter naming convention
//
// Every labelled counter uses a tab-separated string as its label key so that
// a single sync.Map can hold all label combinations:
//
//	Events      →  key = "event"               (see the Event* constants)
//	HTTPReqs    →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt  →  key = "method\tpath"
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Alarm lifecycle events counted in Registry.Events.
const (
	EventSubmitted    = "submitted"
	EventReplaced     = "replaced"
	EventCanceled     = "canceled"
	EventCancelMissed = "cancel_missed"
	EventFired        = "fired"
	EventDropped      = "subscriber_dropped"
	EventSuppressed   = "suppressed"

	EventWebhookDelivered = "webhook_delivered"
	EventWebhookFailed    = "webhook_failed"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all alarmd application metrics. The zero value is ready to
// use.
type Registry struct {
	// Alarm lifecycle counters.  key = Event* constant
	Events labelCounter

	// Lateness of fired alarms past their deadline.
	LateMsSum atomic.Int64
	LateCnt   atomic.Int64

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	pending atomic.Pointer[func() int]
}

// ObserveLate records how late a fired alarm was.
func (r *Registry) ObserveLate(d time.Duration) {
	r.LateMsSum.Add(d.Milliseconds())
	r.LateCnt.Add(1)
}

// SetPendingFunc registers the gauge source for the number of live alarms.
func (r *Registry) SetPendingFunc(fn func() int) {
	r.pending.Store(&fn)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var b strings.Builder

	// ── alarm counters ────────────────────────────────────────────────────
	writeFamily(&b, "alarmd_alarm_events_total",
		"Alarm lifecycle events by kind", "counter",
		func(fn func(labels, val string)) {
			r.Events.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`event=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	if p := r.pending.Load(); p != nil {
		writeFamily(&b, "alarmd_alarms_pending",
			"Alarms currently waiting to fire", "gauge",
			func(fn func(labels, val string)) {
				fn("", fmt.Sprintf("%d", (*p)()))
			})
	}

	if n := r.LateCnt.Load(); n > 0 {
		writeFamily(&b, "alarmd_alarm_lateness_milliseconds_sum",
			"Sum of delays between deadline and delivery", "counter",
			func(fn func(labels, val string)) {
				fn("", fmt.Sprintf("%d", r.LateMsSum.Load()))
			})
		writeFamily(&b, "alarmd_alarm_lateness_milliseconds_count",
			"Count of observed deliveries", "counter",
			func(fn func(labels, val string)) {
				fn("", fmt.Sprintf("%d", n))
			})
	}

	// ── HTTP counters ─────────────────────────────────────────────────────
	writeFamily(&b, "alarmd_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "alarmd_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "alarmd_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value
// lines. Empty labels render as a bare metric name.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
