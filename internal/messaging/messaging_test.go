package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/state"
	"github.com/fisaks/mamlink/internal/thing"
)

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeBroker struct {
	prefix string

	mu       sync.Mutex
	sent     []published
	handlers map[string]MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{prefix: "mamlink/gw", handlers: map[string]MessageHandler{}}
}

func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Close(context.Context) error   { return nil }
func (f *fakeBroker) IsConnected() bool             { return true }

func (f *fakeBroker) Topic(parts ...string) string {
	return f.prefix + "/" + strings.Join(parts, "/")
}

func (f *fakeBroker) Publish(_ context.Context, topic string, _ QoS, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, retain: retain, payload: payload})
	return nil
}

func (f *fakeBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(ctx, topic, qos, retain, data)
}

func (f *fakeBroker) Subscribe(_ context.Context, topic string, _ QoS, h MessageHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return noopSub{}, nil
}

// deliver plays a message on the full topic, as paho would.
func (f *fakeBroker) deliver(filter, rel string, payload string) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(context.Background(), f.Topic(rel), []byte(payload))
}

func (f *fakeBroker) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

type noopSub struct{}

func (noopSub) Unsubscribe(context.Context) error { return nil }

type fakeItems struct {
	changes []mam.DataRecord
	removed []string
}

func (f *fakeItems) OnStateChange(rec mam.DataRecord) error {
	f.changes = append(f.changes, rec)
	return nil
}

func (f *fakeItems) RemoveItem(_ context.Context, item string) bool {
	f.removed = append(f.removed, item)
	return true
}

type fakeCommands struct {
	got []string
}

func (f *fakeCommands) Command(_ context.Context, thingID, channelID string, cmd thing.Command) error {
	f.got = append(f.got, thingID+"/"+channelID+"/"+string(cmd))
	return nil
}

func TestGatewayBroker_StateChangeAndHeartbeat(t *testing.T) {
	fb := newFakeBroker()
	clk := clock.NewMock()
	g := NewGatewayBroker(fb, state.NewChannelStateStore(clk), time.Minute)
	temp := channel.State{Kind: channel.KindNumber, Value: "21.5", Unit: "°C", Num: 21.5}

	g.StateUpdated("weather", "temp", temp)
	g.StateUpdated("weather", "temp", temp)
	msgs := fb.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "things/weather/channels/temp/state", msgs[0].topic)
	assert.True(t, msgs[0].retain)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &body))
	assert.Equal(t, "21.5", body["value"])
	assert.Equal(t, "Number", body["type"])

	clk.Add(2 * time.Minute)
	g.StateUpdated("weather", "temp", temp)
	assert.Len(t, fb.messages(), 2)
}

func TestGatewayBroker_StatusForgetsStates(t *testing.T) {
	fb := newFakeBroker()
	g := NewGatewayBroker(fb, nil, 0)
	on := channel.State{Kind: channel.KindOnOff, Value: "ON", Num: 1}

	g.StateUpdated("lamp", "power", on)
	g.StatusUpdated("lamp", thing.Offline(thing.DetailCommunicationError, "Could not fetch data"))
	g.StateUpdated("lamp", "power", on)

	msgs := fb.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "things/lamp/status", msgs[1].topic)
	assert.JSONEq(t, `{"status":"OFFLINE","detail":"COMMUNICATION_ERROR","message":"Could not fetch data"}`, string(msgs[1].payload))
	assert.Equal(t, "things/lamp/channels/power/state", msgs[2].topic)
}

func TestGatewayBroker_IncomingItemsAndCommands(t *testing.T) {
	fb := newFakeBroker()
	g := NewGatewayBroker(fb, nil, 0)
	items := &fakeItems{}
	cmds := &fakeCommands{}
	require.NoError(t, g.StartGatewaySubscriber(context.Background(), items, cmds))

	fb.deliver("items/+/state", "items/Temp/state", `{"state":"21 °C","topic":"temperature"}`)
	fb.deliver("items/+/state", "items/Lamp/state", `ON`)
	fb.deliver("items/+/state", "items/state", `x`)
	fb.deliver("items/+/remove", "items/Lamp/remove", ``)
	fb.deliver("things/+/channels/+/cmd", "things/weather/channels/temp/cmd", `"refresh"`)

	require.Len(t, items.changes, 2)
	assert.Equal(t, mam.DataRecord{Name: "Temp", Topic: "temperature", State: "21 °C"}, items.changes[0])
	assert.Equal(t, mam.DataRecord{Name: "Lamp", State: "ON"}, items.changes[1])
	assert.Equal(t, []string{"Lamp"}, items.removed)
	assert.Equal(t, []string{"weather/temp/REFRESH"}, cmds.got)
}

func TestMsgBroker_Topic(t *testing.T) {
	b := NewMsgBroker(BrokerConfig{TopicPrefix: "mamlink/attic"})
	assert.Equal(t, "mamlink/attic/things/x/status", b.Topic("things", "x", "status"))
	assert.Equal(t, "mamlink/attic/status", b.Topic("mamlink/attic/status"))
	assert.Equal(t, "items/+/state", NewMsgBroker(BrokerConfig{}).Topic("items/+/state"))

	err := b.Publish(context.Background(), "x", AtLeastOnce, false, nil)
	assert.Error(t, err)
}
