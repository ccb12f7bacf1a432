package websocket_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/config"
	"github.com/snehjoshi/epochalarm/internal/transport/websocket"
)

func newStream(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	cfg := config.Default()
	cfg.History.Enabled = false
	b, err := broker.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	srv := httptest.NewServer(&websocket.Handler{Broker: b})
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) websocket.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f websocket.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestStream_PushesFiredAlarm(t *testing.T) {
	b, url := newStream(t)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := b.Submit(broker.SubmitRequest{ID: 3, Delay: 0, Message: "kettle"})
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, "fired", f.Type)
	assert.Equal(t, 3, f.ID)
	assert.Equal(t, resp.Ticket, f.Ticket)
	assert.Equal(t, "kettle", f.Message)
	assert.GreaterOrEqual(t, f.FiredAt, f.FireAt)
	assert.GreaterOrEqual(t, f.ElapsedMs, int64(0))
}

func TestStream_FiltersByID(t *testing.T) {
	b, url := newStream(t)
	conn := dial(t, url+"?id=2")

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_, err := b.Submit(broker.SubmitRequest{ID: 1, Delay: 0, Message: "other"})
	require.NoError(t, err)
	_, err = b.Submit(broker.SubmitRequest{ID: 2, Delay: 10 * time.Millisecond, Message: "mine"})
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, 2, f.ID)
	assert.Equal(t, "mine", f.Message)
}

func TestStream_BadIDRejected(t *testing.T) {
	_, url := newStream(t)
	_, resp, err := gorillaws.DefaultDialer.Dial(url+"?id=abc", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_ClientCloseUnsubscribes(t *testing.T) {
	b, url := newStream(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_CrossOriginRejected(t *testing.T) {
	_, url := newStream(t)
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := gorillaws.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
