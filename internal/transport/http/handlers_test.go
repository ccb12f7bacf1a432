package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/config"
	"github.com/snehjoshi/epochalarm/internal/consumer"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	transphttp "github.com/snehjoshi/epochalarm/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (http.Handler, *broker.Broker, *metrics.Registry) {
	t.Helper()
	reg := &metrics.Registry{}
	b, err := broker.New(cfg, broker.WithMetrics(reg))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	cm := consumer.NewManager(b, consumer.Options{Metrics: reg})
	t.Cleanup(cm.Close)

	srv := transphttp.New(b, cm, cfg, reg)
	return srv.Handler(), b, reg
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

type alarm struct {
	ID      int    `json:"id"`
	Ticket  string `json:"ticket"`
	Seconds int    `json:"seconds"`
	Message string `json:"message"`
	FireAt  int64  `json:"fire_at"`
}

type submitted struct {
	alarm
	Replaced  *alarm `json:"replaced"`
	Truncated bool   `json:"truncated"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))
	rr := doRequest(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("health status: want ok, got %v", resp["status"])
	}
	if resp["history"] != true {
		t.Errorf("health history: want true, got %v", resp["history"])
	}
}

func TestHTTP_HealthCounts(t *testing.T) {
	h, b, _ := newTestServer(t, newTestConfig(t))
	sub := b.Subscribe()
	defer sub.Close()

	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 1, "seconds": 0, "message": "now"})
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}

	var resp struct {
		Fired          int64 `json:"fired"`
		HistoryRecords int   `json:"history_records"`
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		decodeResp(t, doRequest(t, h, "GET", "/health", nil), &resp)
		if resp.HistoryRecords == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resp.Fired != 1 {
		t.Errorf("health fired: want 1, got %d", resp.Fired)
	}
	if resp.HistoryRecords != 1 {
		t.Errorf("health history_records: want 1, got %d", resp.HistoryRecords)
	}
}

// ─── Submit ───────────────────────────────────────────────────────────────────

func TestHTTP_SubmitAndList(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))

	rr := doRequest(t, h, "POST", "/alarms", map[string]any{"id": 1, "seconds": 60, "message": "later"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: want 201, got %d, body: %s", rr.Code, rr.Body)
	}
	var first submitted
	decodeResp(t, rr, &first)
	if first.ID != 1 || first.Seconds != 60 || first.Message != "later" || first.Ticket == "" {
		t.Errorf("submit response: %+v", first)
	}
	if first.Replaced != nil {
		t.Errorf("first submit must not replace anything, got %+v", first.Replaced)
	}

	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 2, "seconds": 30, "message": "sooner"})

	rr = doRequest(t, h, "GET", "/alarms", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: want 200, got %d", rr.Code)
	}
	var list struct {
		Alarms []alarm `json:"alarms"`
	}
	decodeResp(t, rr, &list)
	if len(list.Alarms) != 2 {
		t.Fatalf("list: want 2 alarms, got %d", len(list.Alarms))
	}
	if list.Alarms[0].ID != 2 || list.Alarms[1].ID != 1 {
		t.Errorf("list order: want [2 1], got [%d %d]", list.Alarms[0].ID, list.Alarms[1].ID)
	}
}

func TestHTTP_SubmitReplaces(t *testing.T) {
	h, b, _ := newTestServer(t, newTestConfig(t))

	rr := doRequest(t, h, "POST", "/alarms", map[string]any{"id": 5, "seconds": 60, "message": "old"})
	var first submitted
	decodeResp(t, rr, &first)

	rr = doRequest(t, h, "POST", "/alarms", map[string]any{"id": 5, "seconds": 90, "message": "new"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("replace: want 201, got %d", rr.Code)
	}
	var second submitted
	decodeResp(t, rr, &second)
	if second.Replaced == nil {
		t.Fatal("replace: want replaced alarm in response")
	}
	if second.Replaced.Ticket != first.Ticket || second.Replaced.Message != "old" {
		t.Errorf("replaced: want ticket %s/old, got %+v", first.Ticket, second.Replaced)
	}
	if n := b.Len(); n != 1 {
		t.Errorf("live alarms: want 1, got %d", n)
	}
}

func TestHTTP_SubmitTruncates(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Alarm.MaxMessageBytes = 4
	h, _, _ := newTestServer(t, cfg)

	rr := doRequest(t, h, "POST", "/alarms", map[string]any{"id": 1, "seconds": 10, "message": "abcdefgh"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: want 201, got %d", rr.Code)
	}
	var resp submitted
	decodeResp(t, rr, &resp)
	if !resp.Truncated || resp.Message != "abcd" {
		t.Errorf("truncate: want abcd/true, got %q/%v", resp.Message, resp.Truncated)
	}
}

func TestHTTP_SubmitValidation(t *testing.T) {
	h, b, _ := newTestServer(t, newTestConfig(t))

	cases := []struct {
		name string
		body any
	}{
		{"missing id", map[string]any{"seconds": 1, "message": "x"}},
		{"missing seconds", map[string]any{"id": 1, "message": "x"}},
		{"missing message", map[string]any{"id": 1, "seconds": 1}},
		{"negative seconds", map[string]any{"id": 1, "seconds": -1, "message": "x"}},
		{"beyond max delay", map[string]any{"id": 1, "seconds": 90000, "message": "x"}},
		{"duration overflow", map[string]any{"id": 1, "seconds": 18446744074, "message": "x"}},
		{"negative overflow", map[string]any{"id": 1, "seconds": -18446744074, "message": "x"}},
		{"unknown field", map[string]any{"id": 1, "seconds": 1, "message": "x", "colour": "red"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, h, "POST", "/alarms", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("want 400, got %d, body: %s", rr.Code, rr.Body)
			}
		})
	}
	if n := b.Len(); n != 0 {
		t.Errorf("live alarms after rejected submissions: want 0, got %d", n)
	}
}

// ─── Cancel ───────────────────────────────────────────────────────────────────

func TestHTTP_Cancel(t *testing.T) {
	h, b, _ := newTestServer(t, newTestConfig(t))

	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 9, "seconds": 60, "message": "bye"})

	rr := doRequest(t, h, "DELETE", "/alarms/9", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("cancel: want 204, got %d, body: %s", rr.Code, rr.Body)
	}
	if n := b.Len(); n != 0 {
		t.Errorf("live alarms after cancel: want 0, got %d", n)
	}

	rr = doRequest(t, h, "DELETE", "/alarms/9", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second cancel: want 404, got %d", rr.Code)
	}
}

func TestHTTP_Cancel_BadID(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))
	rr := doRequest(t, h, "DELETE", "/alarms/abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("cancel bad id: want 400, got %d", rr.Code)
	}
}

// ─── History ──────────────────────────────────────────────────────────────────

func TestHTTP_History(t *testing.T) {
	h, b, _ := newTestServer(t, newTestConfig(t))

	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 1, "seconds": 60, "message": "a"})
	doRequest(t, h, "DELETE", "/alarms/1", nil)
	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 2, "seconds": 0, "message": "b"})

	deadline := time.Now().Add(2 * time.Second)
	for b.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var resp struct {
		Records []struct {
			ID      int    `json:"id"`
			Outcome string `json:"outcome"`
		} `json:"records"`
	}
	for time.Now().Before(deadline) {
		rr := doRequest(t, h, "GET", "/history", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("history: want 200, got %d", rr.Code)
		}
		decodeResp(t, rr, &resp)
		if len(resp.Records) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(resp.Records) != 2 {
		t.Fatalf("history: want 2 records, got %d", len(resp.Records))
	}
	if resp.Records[0].ID != 2 || resp.Records[0].Outcome != "fired" {
		t.Errorf("newest record: want 2/fired, got %+v", resp.Records[0])
	}
	if resp.Records[1].ID != 1 || resp.Records[1].Outcome != "canceled" {
		t.Errorf("oldest record: want 1/canceled, got %+v", resp.Records[1])
	}

	rr := doRequest(t, h, "GET", "/history?id=1", nil)
	decodeResp(t, rr, &resp)
	if len(resp.Records) != 1 || resp.Records[0].ID != 1 {
		t.Errorf("history filtered by id: got %+v", resp.Records)
	}
}

func TestHTTP_HistoryRecordByTicket(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))

	rr := doRequest(t, h, "POST", "/alarms", map[string]any{"id": 5, "seconds": 60, "message": "later"})
	var sub submitted
	decodeResp(t, rr, &sub)
	doRequest(t, h, "DELETE", "/alarms/5", nil)

	rr = doRequest(t, h, "GET", "/history/"+sub.Ticket, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("record: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var rec struct {
		Ticket  string `json:"ticket"`
		ID      int    `json:"id"`
		Outcome string `json:"outcome"`
	}
	decodeResp(t, rr, &rec)
	if rec.Ticket != sub.Ticket || rec.ID != 5 || rec.Outcome != "canceled" {
		t.Errorf("record: got %+v", rec)
	}

	rr = doRequest(t, h, "GET", "/history/01ARZ3NDEKTSV4RRFFQ69G5FAV", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown ticket: want 404, got %d", rr.Code)
	}
	rr = doRequest(t, h, "GET", "/history/not-a-ticket", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed ticket: want 400, got %d", rr.Code)
	}
}

func TestHTTP_HistorySince(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))

	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 1, "seconds": 60, "message": "a"})
	doRequest(t, h, "DELETE", "/alarms/1", nil)

	var resp struct {
		Records []struct {
			ID int `json:"id"`
		} `json:"records"`
	}
	past := strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)
	decodeResp(t, doRequest(t, h, "GET", "/history?since="+past, nil), &resp)
	if len(resp.Records) != 1 {
		t.Errorf("since an hour ago: want 1 record, got %d", len(resp.Records))
	}

	future := strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10)
	decodeResp(t, doRequest(t, h, "GET", "/history?since="+future, nil), &resp)
	if len(resp.Records) != 0 {
		t.Errorf("since an hour ahead: want 0 records, got %d", len(resp.Records))
	}

	rr := doRequest(t, h, "GET", "/history?since=yesterday", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad since: want 400, got %d", rr.Code)
	}
}

func TestHTTP_History_Disabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.History.Enabled = false
	h, _, _ := newTestServer(t, cfg)

	rr := doRequest(t, h, "GET", "/history", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("history disabled: want 404, got %d", rr.Code)
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "s3cret"
	h, _, _ := newTestServer(t, cfg)

	rr := doRequest(t, h, "GET", "/alarms", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/alarms", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with key: want 200, got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.RateLimit.RPS = 1
	cfg.RateLimit.Burst = 2
	h, _, _ := newTestServer(t, cfg)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = doRequest(t, h, "GET", "/health", nil).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst: want 200 200, got %v", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("over burst: want 429, got %d", codes[2])
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))
	req := httptest.NewRequest("OPTIONS", "/alarms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: want 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow-origin: got %q", got)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	h, _, reg := newTestServer(t, newTestConfig(t))

	doRequest(t, h, "POST", "/alarms", map[string]any{"id": 1, "seconds": 60, "message": "m"})
	doRequest(t, h, "DELETE", "/alarms/1", nil)

	if n := reg.HTTPReqs.Value(metrics.HTTPKey("DELETE", "/alarms/{id}", "204")); n != 1 {
		t.Errorf("http requests by pattern: want 1, got %d", n)
	}

	rr := doRequest(t, h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`alarmd_alarm_events_total{event="submitted"} 1`,
		`alarmd_alarm_events_total{event="canceled"} 1`,
		"alarmd_alarms_pending 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

func TestHTTP_Subscriptions(t *testing.T) {
	h, _, _ := newTestServer(t, newTestConfig(t))

	rr := doRequest(t, h, "POST", "/subscriptions", map[string]any{"url": "ftp://nope"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad url: want 400, got %d", rr.Code)
	}

	rr = doRequest(t, h, "POST", "/subscriptions", map[string]any{"url": "http://127.0.0.1:1/hook", "alarm_id": 4})
	if rr.Code != http.StatusCreated {
		t.Fatalf("subscribe: want 201, got %d, body: %s", rr.Code, rr.Body)
	}
	var sub struct {
		ID      string `json:"id"`
		AlarmID *int   `json:"alarm_id"`
	}
	decodeResp(t, rr, &sub)
	if sub.ID == "" || sub.AlarmID == nil || *sub.AlarmID != 4 {
		t.Fatalf("subscribe response: %+v", sub)
	}

	rr = doRequest(t, h, "GET", "/subscriptions", nil)
	var list struct {
		Subscriptions []struct {
			ID string `json:"id"`
		} `json:"subscriptions"`
	}
	decodeResp(t, rr, &list)
	if len(list.Subscriptions) != 1 || list.Subscriptions[0].ID != sub.ID {
		t.Fatalf("list: got %+v", list.Subscriptions)
	}

	rr = doRequest(t, h, "DELETE", "/subscriptions/"+sub.ID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe: want 204, got %d", rr.Code)
	}
	rr = doRequest(t, h, "DELETE", "/subscriptions/"+sub.ID, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second unsubscribe: want 404, got %d", rr.Code)
	}
}
