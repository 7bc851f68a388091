package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/mamlink/internal/logging"
)

type BrokerConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string // e.g. mamlink/gateway1
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
}

type subscription struct {
	qos     QoS
	handler MessageHandler
	ctx     context.Context
}

type MsgBroker struct {
	config         BrokerConfig
	client         mqtt.Client
	mu             sync.RWMutex
	subs           map[string]subscription
	onConnectFuncs map[string]OnConnectPublisher
	connectedOnce  bool
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      any
}

type OnConnectPublisher func() (PublishRequest, error)

// StatusTopic carries the retained online/offline state of the gateway.
const StatusTopic = "status"

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	return &MsgBroker{
		config:         cfg,
		subs:           make(map[string]subscription),
		onConnectFuncs: make(map[string]OnConnectPublisher),
	}
}

// Topic joins parts below the configured prefix.
func (b *MsgBroker) Topic(parts ...string) string {
	rel := strings.Join(parts, "/")
	if b.config.TopicPrefix == "" || strings.HasPrefix(rel, b.config.TopicPrefix+"/") {
		return rel
	}
	return b.config.TopicPrefix + "/" + rel
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = mqtt.NewClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}

	timeout := b.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := b.client.Connect()
	select {
	case <-t.Done():
		return t.Error()
	case <-time.After(timeout):
		b.client.Disconnect(250)
		return fmt.Errorf("connect timeout after %v", timeout)
	case <-ctx.Done():
		b.client.Disconnect(250)
		return ctx.Err()
	}
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	// a unique suffix keeps two gateways with the same name from kicking each other
	opts.SetClientID("mamlink-" + b.config.ClientName + "-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetWill(b.Topic(StatusTopic), "offline", byte(AtLeastOnce), true)
	opts.OnConnect = func(c mqtt.Client) {
		logging.Info("MQTT connected", "broker", b.config.BrokerURL, "clientName", b.config.ClientName)
		b.resubscribe()
		b.onConnectPublisher()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warn("MQTT connection lost", "broker", b.config.BrokerURL, "error", err)
	}
	return opts
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MsgBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

func (b *MsgBroker) onConnectPublisher() {
	b.mu.RLock()
	funcsCopy := make(map[string]OnConnectPublisher, len(b.onConnectFuncs))
	for k, v := range b.onConnectFuncs {
		funcsCopy[k] = v
	}
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		req, err := fn()
		if err != nil {
			logging.Error("onConnectPublisher failed", "clientName", b.config.ClientName, "id", id, "error", err)
			continue
		}
		ctx := req.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var pubErr error
		if req.PayloadBytes == nil {
			pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
		} else {
			pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "clientName", b.config.ClientName, "id", id, "topic", req.Topic, "error", pubErr)
		}
	}
}

// resubscribe restores subscriptions after a reconnect with a clean session.
func (b *MsgBroker) resubscribe() {
	b.mu.Lock()
	first := !b.connectedOnce
	b.connectedOnce = true
	subs := make(map[string]subscription, len(b.subs))
	for k, v := range b.subs {
		subs[k] = v
	}
	b.mu.Unlock()
	if first {
		return
	}
	for topic, s := range subs {
		b.client.Subscribe(topic, byte(s.qos), b.wrap(s.ctx, s.handler))
	}
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if b.client.IsConnected() {
		_ = b.Publish(ctx, StatusTopic, AtLeastOnce, true, []byte("offline"))
	}
	// Graceful disconnect with short timeout
	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return errors.New("client not initialized")
	}
	qosByte, wait := qosToByte(qos)
	token := b.client.Publish(b.Topic(topic), qosByte, retain, payload)
	if !wait {
		return nil
	}
	timeout := b.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("publish timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func qosToByte(qos QoS) (byte, bool) {
	if qos > 2 {
		return 0, false
	}
	return byte(qos), true
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// wrap converts paho messages to our handler and logs panics without crashing.
func (b *MsgBroker) wrap(ctx context.Context, handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "clientName", b.config.ClientName, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
}

// Subscribe registers handler and waits for SUBACK with timeout
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	if b.client == nil {
		return nil, errors.New("client not initialized")
	}
	full := b.Topic(topic)
	token := b.client.Subscribe(full, byte(qos), b.wrap(ctx, handler))

	timeout := b.config.SubscribeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.subs[full] = subscription{qos: qos, handler: handler, ctx: ctx}
		b.mu.Unlock()

		return &msgSubscription{broker: b, topic: full}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("subscribe timeout for %s", full)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscription wrapper
type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()

	token := b.client.Unsubscribe(s.topic)
	timeout := 3 * time.Second
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("unsubscribe timeout for %s", s.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}
