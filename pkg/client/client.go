// Package client is the Go SDK for the alarmd HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Fire Message(7) in five seconds, replacing any live Message(7)
//	a, err := c.Submit(ctx, 7, 5*time.Second, "tea is ready")
//
//	// Change of plan
//	err = c.Cancel(ctx, 7)
//
//	// Follow fired alarms until ctx ends
//	err = c.Watch(ctx, nil, func(f client.Fired) { fmt.Println(f.Message) })
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the alarmd server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alarmd: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server. Cancel
// returns one when no live alarm carries the id.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsBadRequest reports whether the server rejected the request as invalid.
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds. It does not apply to Watch.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the alarmd API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the alarmd server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://alarms.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Alarm is a scheduled alarm as reported by the server.
type Alarm struct {
	ID          int
	Ticket      string
	Seconds     int
	Message     string
	SubmittedAt time.Time
	FireAt      time.Time
}

// Submitted is the result of Submit.
type Submitted struct {
	Alarm
	// Replaced is the live alarm this submission superseded, if any.
	Replaced *Alarm
	// Truncated is set when the server shortened the message.
	Truncated bool
}

// Record is one journaled outcome.
type Record struct {
	Ticket      string    `json:"ticket"`
	ID          int       `json:"id"`
	Seconds     int       `json:"seconds"`
	Message     string    `json:"message"`
	Outcome     string    `json:"outcome"` // fired | canceled | replaced
	SubmittedAt time.Time `json:"submitted_at"`
	FireAt      time.Time `json:"fire_at"`
	At          time.Time `json:"at"`
	ReplacedBy  string    `json:"replaced_by,omitempty"`
}

// Fired is one alarm pushed by Watch.
type Fired struct {
	ID      int
	Ticket  string
	Seconds int
	Message string
	FireAt  time.Time
	FiredAt time.Time
	Elapsed time.Duration
}

// Webhook is a registered webhook subscription.
type Webhook struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	AlarmID *int   `json:"alarm_id,omitempty"`
}

// HealthInfo is the response from the /health endpoint.
type HealthInfo struct {
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

// ─── API methods ──────────────────────────────────────────────────────────────

// Submit schedules message to fire after delay under id. delay is sent in
// whole seconds, rounded down. A live alarm with the same id is replaced.
func (c *Client) Submit(ctx context.Context, id int, delay time.Duration, message string) (*Submitted, error) {
	payload := submitPayload{ID: id, Seconds: int(delay / time.Second), Message: message}
	var resp wireSubmitted
	if err := c.do(ctx, http.MethodPost, "/alarms", payload, &resp); err != nil {
		return nil, err
	}
	out := &Submitted{Alarm: resp.wireAlarm.toAlarm(), Truncated: resp.Truncated}
	if resp.Replaced != nil {
		r := resp.Replaced.toAlarm()
		out.Replaced = &r
	}
	return out, nil
}

// Cancel cancels the live alarm carrying id. It returns an error satisfying
// IsNotFound when there is none.
func (c *Client) Cancel(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodDelete, "/alarms/"+strconv.Itoa(id), nil, nil)
}

// Pending returns the queued alarms in firing order.
func (c *Client) Pending(ctx context.Context) ([]Alarm, error) {
	var resp struct {
		Alarms []wireAlarm `json:"alarms"`
	}
	if err := c.do(ctx, http.MethodGet, "/alarms", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Alarm, 0, len(resp.Alarms))
	for _, a := range resp.Alarms {
		out = append(out, a.toAlarm())
	}
	return out, nil
}

// History returns journaled outcomes, newest first. limit <= 0 uses the
// server default. A non-nil id restricts the results to that alarm id.
func (c *Client) History(ctx context.Context, limit int, id *int) ([]Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if id != nil {
		q.Set("id", strconv.Itoa(*id))
	}
	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Record fetches the journaled outcome of one submission by ticket. A
// ticket the journal no longer holds yields an error satisfying IsNotFound.
func (c *Client) Record(ctx context.Context, ticket string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(ticket), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Subscribe registers a webhook that receives every fired alarm as a JSON
// POST. A non-nil alarmID limits it to that message number. When secret is
// set each request is signed in the X-Alarmd-Signature header.
func (c *Client) Subscribe(ctx context.Context, webhookURL, secret string, alarmID *int) (*Webhook, error) {
	payload := subscribePayload{URL: webhookURL, Secret: secret, AlarmID: alarmID}
	var w Webhook
	if err := c.do(ctx, http.MethodPost, "/subscriptions", payload, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Unsubscribe removes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// Webhooks lists the registered webhook subscriptions.
func (c *Client) Webhooks(ctx context.Context) ([]Webhook, error) {
	var resp struct {
		Subscriptions []Webhook `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Health returns server status information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Watch streams fired alarms to fn until ctx ends or the server closes the
// stream. A non-nil id restricts the stream to that alarm id. Watch returns
// nil when ctx ends.
func (c *Client) Watch(ctx context.Context, id *int, fn func(Fired)) error {
	u, err := url.Parse(c.baseURL + "/alarms/ws")
	if err != nil {
		return fmt.Errorf("alarmd: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if id != nil {
		u.RawQuery = url.Values{"id": {strconv.Itoa(*id)}}.Encode()
	}

	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("alarmd: dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("alarmd: read stream: %w", err)
		}
		var f wireFired
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("alarmd: decode frame: %w", err)
		}
		if f.Type != "fired" {
			continue
		}
		fn(f.toFired())
	}
}

// ─── Internal HTTP helper ─────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("alarmd: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("alarmd: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("alarmd: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("alarmd: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("alarmd: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type submitPayload struct {
	ID      int    `json:"id"`
	Seconds int    `json:"seconds"`
	Message string `json:"message"`
}

type subscribePayload struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	AlarmID *int   `json:"alarm_id,omitempty"`
}

type wireAlarm struct {
	ID          int    `json:"id"`
	Ticket      string `json:"ticket"`
	Seconds     int    `json:"seconds"`
	Message     string `json:"message"`
	SubmittedAt int64  `json:"submitted_at"`
	FireAt      int64  `json:"fire_at"`
}

func (w wireAlarm) toAlarm() Alarm {
	return Alarm{
		ID:          w.ID,
		Ticket:      w.Ticket,
		Seconds:     w.Seconds,
		Message:     w.Message,
		SubmittedAt: time.UnixMilli(w.SubmittedAt).UTC(),
		FireAt:      time.UnixMilli(w.FireAt).UTC(),
	}
}

type wireSubmitted struct {
	wireAlarm
	Replaced  *wireAlarm `json:"replaced,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
}

type wireFired struct {
	Type      string `json:"type"`
	ID        int    `json:"id"`
	Ticket    string `json:"ticket"`
	Seconds   int    `json:"seconds"`
	Message   string `json:"message"`
	FireAt    int64  `json:"fire_at"`
	FiredAt   int64  `json:"fired_at"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (w wireFired) toFired() Fired {
	return Fired{
		ID:      w.ID,
		Ticket:  w.Ticket,
		Seconds: w.Seconds,
		Message: w.Message,
		FireAt:  time.UnixMilli(w.FireAt).UTC(),
		FiredAt: time.UnixMilli(w.FiredAt).UTC(),
		Elapsed: time.Duration(w.ElapsedMs) * time.Millisecond,
	}
}
