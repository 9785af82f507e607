package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"iot-telemetry/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	id      string
	mu      sync.Mutex
	open    bool
	sendErr error
	msgs    [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *fakeConn) last(t *testing.T) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.msgs)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(c.msgs[len(c.msgs)-1], &out))
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func setupHub() (*Hub, *metrics.Metrics) {
	m := metrics.New("test")
	h := NewHub(m, zap.NewNop())
	h.now = func() time.Time { return time.UnixMilli(1767225600000) }
	return h, m
}

func TestRegister_SendsWelcome(t *testing.T) {
	h, m := setupHub()
	c := newFakeConn("s1")
	h.Register(c)

	welcome := c.last(t)
	assert.Equal(t, "connection", welcome["type"])
	assert.Equal(t, "Connected to notification service", welcome["message"])
	assert.Equal(t, "s1", welcome["sessionId"])
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveConnections))
}

func TestBroadcast_RemovesClosedConnection(t *testing.T) {
	h, _ := setupHub()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	h.Register(a)
	h.Register(b)
	h.Register(c)
	b.Close()

	delivered := h.Broadcast("alert", map[string]interface{}{"deviceId": "d1"})

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, h.Count())
	assert.Equal(t, 1, b.count())

	msg := a.last(t)
	assert.Equal(t, "alert", msg["type"])
	assert.Equal(t, float64(1767225600000), msg["timestamp"])
	assert.Equal(t, map[string]interface{}{"deviceId": "d1"}, msg["data"])
	assert.Equal(t, "alert", c.last(t)["type"])
}

func TestBroadcast_FailingSendRemovedOthersContinue(t *testing.T) {
	h, _ := setupHub()
	bad, good := newFakeConn("bad"), newFakeConn("good")
	h.Register(bad)
	h.Register(good)
	bad.sendErr = errors.New("broken pipe")

	assert.Equal(t, 1, h.Broadcast("notification", "x"))
	assert.Equal(t, 1, h.Count())
	assert.False(t, bad.Open())
	assert.Equal(t, 2, good.count())
}

func TestBroadcast_NoConnections(t *testing.T) {
	h, _ := setupHub()
	assert.Equal(t, 0, h.Broadcast("alert", nil))
}

func TestHandleClientMessage(t *testing.T) {
	h, _ := setupHub()
	c := newFakeConn("s1")
	h.Register(c)

	h.HandleClientMessage(c, []byte(`{"type":"subscribe","subscriptionType":"device","deviceId":"d1"}`))
	reply := c.last(t)
	assert.Equal(t, "subscription_confirmed", reply["type"])
	assert.Equal(t, "device", reply["subscriptionType"])
	assert.Equal(t, "d1", reply["deviceId"])
	sub, ok := h.Subscription("s1")
	require.True(t, ok)
	assert.Equal(t, "d1", sub.DeviceID)

	h.HandleClientMessage(c, []byte(`{"type":"unsubscribe"}`))
	assert.Equal(t, "unsubscription_confirmed", c.last(t)["type"])
	_, ok = h.Subscription("s1")
	assert.False(t, ok)

	h.HandleClientMessage(c, []byte(`{"type":"ping"}`))
	pong := c.last(t)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, float64(1767225600000), pong["timestamp"])

	h.HandleClientMessage(c, []byte(`{"type":"dance"}`))
	assert.Equal(t, map[string]interface{}{"type": "error", "message": "Unknown message type: dance"}, c.last(t))

	h.HandleClientMessage(c, []byte(`not json`))
	assert.Equal(t, map[string]interface{}{"type": "error", "message": "Invalid message format"}, c.last(t))
}

func TestServeWS(t *testing.T) {
	h, _ := setupHub()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() map[string]interface{} {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var out map[string]interface{}
		require.NoError(t, ws.ReadJSON(&out))
		return out
	}

	welcome := read()
	assert.Equal(t, "connection", welcome["type"])
	assert.NotEmpty(t, welcome["sessionId"])
	assert.Equal(t, 1, h.Count())

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", read()["type"])

	assert.Equal(t, 1, h.Broadcast("device_status", map[string]string{"deviceId": "d1", "status": "OFFLINE"}))
	msg := read()
	assert.Equal(t, "device_status", msg["type"])

	ws.Close()
	assert.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
