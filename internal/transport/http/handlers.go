package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/consumer"
	"github.com/snehjoshi/epochalarm/internal/history"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
	"github.com/snehjoshi/epochalarm/internal/ticket"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	consumer *consumer.Manager // may be nil if webhooks are disabled
	metrics  *metrics.Registry // may be nil
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type submitReq struct {
	ID      *int   `json:"id"`
	Seconds *int   `json:"seconds"`
	Message string `json:"message"`
}

type alarmResp struct {
	ID          int    `json:"id"`
	Ticket      string `json:"ticket"`
	Seconds     int    `json:"seconds"`
	Message     string `json:"message"`
	SubmittedAt int64  `json:"submitted_at"` // unix ms
	FireAt      int64  `json:"fire_at"`      // unix ms
}

type submitResp struct {
	alarmResp
	Replaced  *alarmResp `json:"replaced,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
}

type alarmListResp struct {
	Alarms []alarmResp `json:"alarms"`
}

type historyResp struct {
	Records []history.Record `json:"records"`
}

type subscribeReq struct {
	URL     string `json:"url"`
	Secret  string `json:"secret"`
	AlarmID *int   `json:"alarm_id"`
}

type subscriptionListResp struct {
	Subscriptions []consumer.Subscription `json:"subscriptions"`
}

type healthResp struct {
	Status         string `json:"status"`
	Pending        int    `json:"pending"`
	Subscribers    int    `json:"subscribers"`
	History        bool   `json:"history"`
	HistoryRecords int    `json:"history_records"`
	Fired          int64  `json:"fired"`
	Dropped        int64  `json:"dropped"`
	Uptime         string `json:"uptime"`
	UptimeMs       int64  `json:"uptime_ms"`
	Version        string `json:"version"`
}

// Version is reported by /health.
var Version = "1.0.0"

func alarmOf(r scheduler.Request) alarmResp {
	return alarmResp{
		ID:          r.ID,
		Ticket:      r.Ticket,
		Seconds:     r.Seconds(),
		Message:     r.Payload,
		SubmittedAt: r.SubmittedAt.UnixMilli(),
		FireAt:      r.FireAt.UnixMilli(),
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.broker.StartedAt())
	resp := healthResp{
		Status:         "ok",
		Pending:        h.broker.Len(),
		Subscribers:    h.broker.Subscribers(),
		History:        h.broker.HistoryEnabled(),
		HistoryRecords: h.broker.HistoryLen(),
		Uptime:         elapsed.Round(time.Second).String(),
		UptimeMs:       elapsed.Milliseconds(),
		Version:        Version,
	}
	if h.metrics != nil {
		resp.Fired = h.metrics.Events.Value(metrics.EventFired)
		resp.Dropped = h.metrics.Events.Value(metrics.EventDropped)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Alarms ───────────────────────────────────────────────────────────────────

func (h *Handler) submitAlarm(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == nil || req.Seconds == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and seconds are required"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if !broker.SecondsInRange(*req.Seconds) {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: %d seconds is out of range", broker.ErrInvalidDelay, *req.Seconds))
		return
	}

	resp, err := h.broker.Submit(broker.SubmitRequest{
		ID:      *req.ID,
		Delay:   time.Duration(*req.Seconds) * time.Second,
		Message: req.Message,
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	out := submitResp{alarmResp: alarmOf(resp.Request), Truncated: resp.Truncated}
	if old := resp.Superseded; old != nil {
		prev := alarmOf(*old)
		out.Replaced = &prev
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) listAlarms(w http.ResponseWriter, r *http.Request) {
	pending := h.broker.Pending()
	out := alarmListResp{Alarms: make([]alarmResp, 0, len(pending))}
	for _, p := range pending {
		out.Alarms = append(out.Alarms, alarmOf(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) cancelAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id must be an integer"})
		return
	}
	_, found, err := h.broker.Cancel(id)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no live alarm with id " + strconv.Itoa(id)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── History ──────────────────────────────────────────────────────────────────

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	q := history.Query{Limit: parseIntParam(r, "limit", 100)}
	if v := r.URL.Query().Get("id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id must be an integer"})
			return
		}
		q.ID = &id
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be unix milliseconds"})
			return
		}
		q.Since = time.UnixMilli(ms)
	}

	recs, err := h.broker.History(q)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, historyResp{Records: recs})
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	tk := r.PathValue("ticket")
	if !ticket.Valid(tk) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed ticket"})
		return
	}
	rec, err := h.broker.Record(tk)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "webhooks not configured"})
		return
	}
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	sub, err := h.consumer.Register(req.URL, req.Secret, req.AlarmID)
	if err != nil {
		if errors.Is(err, consumer.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusOK, subscriptionListResp{Subscriptions: []consumer.Subscription{}})
		return
	}
	writeJSON(w, http.StatusOK, subscriptionListResp{Subscriptions: h.consumer.List()})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "webhooks not configured"})
		return
	}
	if err := h.consumer.Deregister(r.PathValue("id")); err != nil {
		if errors.Is(err, consumer.ErrSubscriptionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// statusOf maps broker errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidDelay):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrHistoryDisabled), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
