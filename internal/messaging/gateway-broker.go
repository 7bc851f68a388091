package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/state"
	"github.com/fisaks/mamlink/internal/thing"
)

// ItemSink receives local item changes destined for MAM streams.
type ItemSink interface {
	OnStateChange(rec mam.DataRecord) error
	RemoveItem(ctx context.Context, item string) bool
}

// CommandSink receives channel commands for things.
type CommandSink interface {
	Command(ctx context.Context, thingID, channelID string, cmd thing.Command) error
}

// ItemUpdate is the payload of items/<item>/state. A bare value is accepted too.
type ItemUpdate struct {
	State string `json:"state"`
	Topic string `json:"topic,omitempty"`
}

type StatePayload struct {
	channel.State
	Timestamp time.Time `json:"timestamp"`
}

// GatewayBroker publishes thing statuses and channel states and feeds item
// changes and commands coming from MQTT into the gateway.
type GatewayBroker struct {
	Broker
	states            state.ChannelStateStore
	heartbeatInterval time.Duration
	publishTimeout    time.Duration
	subs              []Subscription
}

func NewGatewayBroker(b Broker, states state.ChannelStateStore, heartbeatInterval time.Duration) *GatewayBroker {
	if states == nil {
		states = state.NewChannelStateStore(nil)
	}
	g := &GatewayBroker{
		Broker:            b,
		states:            states,
		heartbeatInterval: heartbeatInterval,
		publishTimeout:    5 * time.Second,
	}
	if mb, ok := b.(*MsgBroker); ok {
		// retained states may be gone after a broker restart, so everything is re-sent
		mb.AddOnConnectPublisher("status", func() (PublishRequest, error) {
			states.Clear()
			return PublishRequest{Topic: StatusTopic, Qos: AtLeastOnce, Retain: true, PayloadBytes: []byte("online")}, nil
		})
	}
	return g
}

func (g *GatewayBroker) publishCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.publishTimeout)
}

// StatusUpdated implements thing.Callback.
func (g *GatewayBroker) StatusUpdated(thingID string, s thing.Status) {
	ctx, cancel := g.publishCtx()
	defer cancel()
	if s.Kind != thing.StatusOnline {
		g.states.Forget(thingID)
	}
	if err := g.PublishJSON(ctx, "things/"+thingID+"/status", AtLeastOnce, true, s); err != nil {
		logging.Warn("Failed to publish thing status", "thing", thingID, "error", err)
	}
}

// StateUpdated implements thing.Callback. Unchanged states are only re-sent
// once the heartbeat interval has passed.
func (g *GatewayBroker) StateUpdated(thingID, channelID string, s channel.State) {
	if !g.states.NeedsPublish(thingID, channelID, s, g.heartbeatInterval) {
		return
	}
	ctx, cancel := g.publishCtx()
	defer cancel()
	logging.Debug("Publishing channel state", "thing", thingID, "channel", channelID, "state", s.String())
	topic := "things/" + thingID + "/channels/" + channelID + "/state"
	err := g.PublishJSON(ctx, topic, FireAndForget, true, StatePayload{State: s, Timestamp: time.Now().UTC()})
	if err != nil {
		logging.Warn("Failed to publish channel state", "thing", thingID, "channel", channelID, "error", err)
		return
	}
	g.states.Update(thingID, channelID, s)
}

// StartGatewaySubscriber subscribes to item changes and channel commands.
func (g *GatewayBroker) StartGatewaySubscriber(ctx context.Context, items ItemSink, commands CommandSink) error {
	routes := map[string]MessageHandler{}
	if items != nil {
		routes["items/+/state"] = func(ctx context.Context, topic string, payload []byte) { g.onItemState(ctx, items, topic, payload) }
		routes["items/+/remove"] = func(ctx context.Context, topic string, _ []byte) { g.onItemRemove(ctx, items, topic) }
	}
	if commands != nil {
		routes["things/+/channels/+/cmd"] = func(ctx context.Context, topic string, payload []byte) { g.onCommand(ctx, commands, topic, payload) }
	}
	for topic, h := range routes {
		sn, err := g.Subscribe(ctx, topic, AtLeastOnce, h)
		if err != nil {
			return err
		}
		g.subs = append(g.subs, sn)
	}
	return nil
}

func (g *GatewayBroker) StopGatewaySubscriber(ctx context.Context) {
	for _, s := range g.subs {
		if err := s.Unsubscribe(ctx); err != nil {
			logging.Warn("Unsubscribe failed", "error", err)
		}
	}
	g.subs = nil
}

// relParts strips the topic prefix and splits the rest.
func (g *GatewayBroker) relParts(topic string) []string {
	prefix := g.Topic("")
	return strings.Split(strings.TrimPrefix(topic, prefix), "/")
}

func (g *GatewayBroker) onItemState(_ context.Context, items ItemSink, topic string, payload []byte) {
	// <prefix>/items/<item>/state
	parts := g.relParts(topic)
	if len(parts) != 3 || parts[0] != "items" || parts[1] == "" {
		logging.Warn("item state topic malformed", "topic", topic)
		return
	}
	rec := mam.DataRecord{Name: parts[1]}

	var upd ItemUpdate
	if err := json.Unmarshal(payload, &upd); err == nil && upd.State != "" {
		rec.State, rec.Topic = upd.State, upd.Topic
	} else {
		rec.State = strings.TrimSpace(string(payload))
	}
	if err := items.OnStateChange(rec); err != nil {
		logging.Debug("Item change ignored", "item", rec.Name, "error", err)
	}
}

func (g *GatewayBroker) onItemRemove(ctx context.Context, items ItemSink, topic string) {
	parts := g.relParts(topic)
	if len(parts) != 3 || parts[0] != "items" {
		logging.Warn("item remove topic malformed", "topic", topic)
		return
	}
	if !items.RemoveItem(ctx, parts[1]) {
		logging.Debug("Removed item was not bound", "item", parts[1])
	}
}

func (g *GatewayBroker) onCommand(ctx context.Context, commands CommandSink, topic string, payload []byte) {
	// <prefix>/things/<thing>/channels/<channel>/cmd
	parts := g.relParts(topic)
	if len(parts) != 5 || parts[0] != "things" || parts[2] != "channels" {
		logging.Warn("cmd topic malformed", "topic", topic)
		return
	}
	cmd := thing.Command(strings.ToUpper(strings.Trim(strings.TrimSpace(string(payload)), `"`)))
	if err := commands.Command(ctx, parts[1], parts[3], cmd); err != nil {
		logging.Warn("cmd handling", "thing", parts[1], "channel", parts[3], "error", err)
	}
}
