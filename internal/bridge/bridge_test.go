package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	mqttcommon "iot-telemetry/common/mqtt"
	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeTransport 内存版 MQTT 传输
type fakeTransport struct {
	mu         sync.Mutex
	state      mqttcommon.ConnState
	subscribed map[string]mqttcommon.MessageHandler
	sent       []sentMessage
	publishErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: mqttcommon.Connected, subscribed: map[string]mqttcommon.MessageHandler{}}
}

func (f *fakeTransport) Subscribe(topic string, _ byte, h mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = h
	return nil
}

func (f *fakeTransport) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	return nil
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != mqttcommon.Connected {
		return mqttcommon.ErrTransportUnavailable
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.sent = append(f.sent, sentMessage{topic, qos, retained, payload})
	return nil
}

func (f *fakeTransport) State() mqttcommon.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupBridge(t *testing.T) (*Bridge, *fakeTransport, *bus.MemoryPublisher) {
	t.Helper()
	os.Clearenv()
	cfg, err := config.Load(config.ServiceBridge)
	require.NoError(t, err)

	tr := newFakeTransport()
	pub := &bus.MemoryPublisher{}
	b := New(cfg, tr, pub, metrics.New("test"), zap.NewNop())
	b.now = func() time.Time { return fixedNow }
	return b, tr, pub
}

func TestStart_SubscribesDeviceTopics(t *testing.T) {
	b, tr, _ := setupBridge(t)
	require.NoError(t, b.Start(context.Background()))

	assert.Contains(t, tr.subscribed, "devices/+/data")
	assert.Contains(t, tr.subscribed, "devices/+/status")
	assert.Contains(t, tr.subscribed, "devices/+/control")

	require.NoError(t, b.Stop(context.Background()))
	assert.Empty(t, tr.subscribed)
}

func TestHandleData_FlatDocument(t *testing.T) {
	b, _, pub := setupBridge(t)

	require.NoError(t, b.HandleData("devices/d1/data", []byte(`{"temperature":85,"status":"ok"}`)))

	raw := pub.On("device.data.raw")
	require.Len(t, raw, 1)
	assert.Equal(t, "d1", raw[0].Key)

	reading := raw[0].Value.(models.Reading)
	assert.Equal(t, "d1", reading.DeviceID)
	assert.Equal(t, fixedNow, reading.Timestamp)
	assert.Equal(t, 85.0, reading.Data["temperature"])
	assert.Equal(t, "ok", reading.Data["status"])

	// 镜像通道
	assert.Len(t, pub.On("mqtt.bridge.data"), 1)
}

func TestHandleData_Envelope(t *testing.T) {
	b, _, pub := setupBridge(t)

	payload := `{"deviceId":"ignored","factoryId":"f-9","location":"line-2","messageType":"telemetry",
		"batteryLevel":55.5,"signalStrength":-70,"data":{"temperature":21.5,"pressure":3.2}}`
	require.NoError(t, b.HandleData("devices/d2/data", []byte(payload)))

	reading := pub.On("device.data.raw")[0].Value.(models.Reading)
	assert.Equal(t, "d2", reading.DeviceID)
	assert.Equal(t, "f-9", reading.FactoryID)
	assert.Equal(t, "line-2", reading.Location)
	assert.Equal(t, "telemetry", reading.MessageType)
	require.NotNil(t, reading.BatteryLevel)
	assert.Equal(t, 55.5, *reading.BatteryLevel)
	require.NotNil(t, reading.SignalStrength)
	assert.Equal(t, -70.0, *reading.SignalStrength)
	assert.Equal(t, map[string]interface{}{"temperature": 21.5, "pressure": 3.2}, reading.Data)
}

func TestHandleData_MalformedPayload(t *testing.T) {
	b, _, pub := setupBridge(t)

	for _, payload := range []string{`not json`, `[1,2]`, `null`, `"str"`} {
		err := b.HandleData("devices/d1/data", []byte(payload))
		assert.True(t, errors.Is(err, ErrMalformedPayload), payload)
	}
	assert.Empty(t, pub.Messages())
	assert.Equal(t, int64(4), b.Stats().Dropped)
}

func TestHandleData_MalformedTopic(t *testing.T) {
	b, _, pub := setupBridge(t)

	for _, topic := range []string{"devices", "devices//data"} {
		err := b.HandleData(topic, []byte(`{"t":1}`))
		assert.True(t, errors.Is(err, ErrMalformedTopic), topic)
	}
	assert.Empty(t, pub.Messages())
}

func TestHandleData_BusFailure(t *testing.T) {
	b, _, pub := setupBridge(t)
	pub.Err = errors.New("bus down")

	err := b.HandleData("devices/d1/data", []byte(`{"t":1}`))
	require.Error(t, err)
	assert.Equal(t, int64(0), b.Stats().Forwarded)
}

func TestHandleStatus(t *testing.T) {
	b, _, pub := setupBridge(t)

	require.NoError(t, b.HandleStatus("devices/d3/status", []byte(`{"status":"offline","batteryLevel":12}`)))

	events := pub.On("device.status.changes")
	require.Len(t, events, 1)
	ev := events[0].Value.(models.DeviceStatusChange)
	assert.Equal(t, "d3", ev.DeviceID)
	assert.Equal(t, "OFFLINE", ev.NewStatus)
	assert.Equal(t, 12.0, ev.Status["batteryLevel"])
}

func TestHandleControlResponse_IgnoresCommandEcho(t *testing.T) {
	b, _, pub := setupBridge(t)

	require.NoError(t, b.HandleControlResponse("devices/d4/control", []byte(`{"commandId":"c1","result":"done"}`)))
	require.NoError(t, b.HandleControlResponse("devices/d4/control", []byte(`{"commandId":"c1","commandType":"STOP"}`)))

	resp := pub.On("device.command.responses")
	require.Len(t, resp, 1)
	assert.Equal(t, "done", resp[0].Value.(models.CommandResponse).Response["result"])
}

func TestSendCommand_WireFormat(t *testing.T) {
	b, tr, _ := setupBridge(t)

	cmd := models.ControlCommand{
		CommandID:   "cmd-1",
		CommandType: models.CommandRestart,
		Payload:     map[string]interface{}{"delay": 5.0},
	}
	require.NoError(t, b.SendCommand(context.Background(), "d1", cmd))

	require.Len(t, tr.sent, 1)
	sent := tr.sent[0]
	assert.Equal(t, "devices/d1/control", sent.topic)
	assert.Equal(t, byte(1), sent.qos)
	assert.False(t, sent.retained)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(sent.payload, &wire))
	assert.Equal(t, "cmd-1", wire["commandId"])
	assert.Equal(t, "RESTART", wire["commandType"])
	assert.Equal(t, map[string]interface{}{"delay": 5.0}, wire["payload"])
	assert.NotEmpty(t, wire["timestamp"])
	assert.NotContains(t, wire, "priority")
}

func TestBroadcastCommand(t *testing.T) {
	b, tr, _ := setupBridge(t)

	require.NoError(t, b.BroadcastCommand(context.Background(), models.ControlCommand{CommandType: models.CommandEmergencyStop}))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "devices/all/control", tr.sent[0].topic)
}

func TestSendCommand_TransportUnavailable(t *testing.T) {
	b, tr, _ := setupBridge(t)
	tr.state = mqttcommon.Disconnected

	err := b.SendCommand(context.Background(), "d1", models.ControlCommand{CommandType: models.CommandStop})
	assert.True(t, errors.Is(err, mqttcommon.ErrTransportUnavailable))
	assert.Equal(t, int64(1), b.Stats().CommandsFailed)
	assert.False(t, b.Ready())
}

func TestDispatch_TargetModes(t *testing.T) {
	b, tr, _ := setupBridge(t)
	ctx := context.Background()

	err := b.Dispatch(ctx, models.ControlCommand{CommandType: models.CommandStart, DeviceIDs: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, tr.sent, 2)
	assert.Equal(t, "devices/a/control", tr.sent[0].topic)
	assert.Equal(t, "devices/b/control", tr.sent[1].topic)

	// 同一次下发共享 commandId
	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(tr.sent[0].payload, &first))
	require.NoError(t, json.Unmarshal(tr.sent[1].payload, &second))
	assert.Equal(t, first["commandId"], second["commandId"])

	err = b.Dispatch(ctx, models.ControlCommand{CommandType: models.CommandStart, DeviceIDs: []string{"a"}, BroadcastToAll: true})
	assert.True(t, errors.Is(err, models.ErrInvalidCommand))

	err = b.Dispatch(ctx, models.ControlCommand{CommandType: "BOGUS", BroadcastToAll: true})
	assert.True(t, errors.Is(err, models.ErrInvalidCommand))
	assert.Len(t, tr.sent, 2)
}
