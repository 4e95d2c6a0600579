package transport

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTConfig describes one MQTT client. Two independent instances exist in
// the system: the user-session client (messaging, topic = operator's screen
// name) and the update-notification client (fixed well-known topic, TLS
// mutual auth, receive-only).
type MQTTConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	ClientID string

	// Topic is the single topic subscribed on connect. Subscribe failure
	// counts as a connection failure even when the socket succeeded.
	Topic string
	QoS   byte

	TLS *tls.Config

	// Kind tags emitted events as the user or the update transport.
	Kind Kind

	// ReceiveOnly rejects Send; set on the update client.
	ReceiveOnly bool

	ConnectTimeout time.Duration
}

const (
	mqttDefaultPort    = 1883
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttDisconnectMS   = 250
)

// MQTTTransport owns one MQTT client connection.
type MQTTTransport struct {
	cfg  MQTTConfig
	sink EventSink

	mu     sync.Mutex
	state  ConnState
	client mqtt.Client
	gen    uint64

	establishedFired bool
	lostFired        bool

	// newClient is injectable for tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTTTransport creates an MQTT adapter delivering events to sink.
func NewMQTTTransport(cfg MQTTConfig, sink EventSink) *MQTTTransport {
	if cfg.Port == 0 {
		cfg.Port = mqttDefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = mqttConnectTimeout
	}
	return &MQTTTransport{
		cfg:       cfg,
		sink:      sink,
		state:     StateIdle,
		newClient: mqtt.NewClient,
	}
}

// Kind implements Adapter.
func (t *MQTTTransport) Kind() Kind { return t.cfg.Kind }

// Connected implements Adapter.
func (t *MQTTTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected
}

// State returns a snapshot of the connection state.
func (t *MQTTTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts the client and its network loop. The outcome, including
// the mandatory subscribe, is reported on the event sink.
func (t *MQTTTransport) Connect() error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	if t.cfg.Server == "" {
		t.mu.Unlock()
		return ErrNotConfigured
	}
	if t.cfg.Topic == "" {
		t.mu.Unlock()
		return fmt.Errorf("cannot subscribe: no topic configured")
	}
	t.gen++
	gen := t.gen
	t.establishedFired = false
	t.lostFired = false
	t.state = StateConnecting

	opts := t.buildOptions(gen)
	client := t.newClient(opts)
	t.client = client
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"server":   t.cfg.Server,
		"port":     t.cfg.Port,
		"kind":     t.cfg.Kind.String(),
	}).Info("Starting MQTT connection attempt")

	token := client.Connect()
	go func() {
		if !token.WaitTimeout(t.cfg.ConnectTimeout) {
			t.reportLost(gen, "connection failed: timeout")
			return
		}
		if err := token.Error(); err != nil {
			t.reportLost(gen, fmt.Sprintf("connection failed: %v", err))
		}
	}()
	return nil
}

// buildOptions wires the paho callbacks for one generation. Caller holds
// the lock.
func (t *MQTTTransport) buildOptions(gen uint64) *mqtt.ClientOptions {
	scheme := "tcp"
	if t.cfg.TLS != nil {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, t.cfg.Server, t.cfg.Port)).
		SetClientID(t.cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.TLS != nil {
		opts.SetTLSConfig(t.cfg.TLS)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		go t.subscribeOnConnect(gen, c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.reportLost(gen, fmt.Sprintf("unexpected disconnection: %v", err))
	})
	return opts
}

// subscribeOnConnect performs the single mandatory subscription. A failed
// subscribe is a connection failure even though the socket is up.
func (t *MQTTTransport) subscribeOnConnect(gen uint64, c mqtt.Client) {
	logrus.WithFields(logrus.Fields{
		"function": "subscribeOnConnect",
		"topic":    t.cfg.Topic,
		"qos":      t.cfg.QoS,
	}).Debug("MQTT socket up, subscribing")

	token := c.Subscribe(t.cfg.Topic, t.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		t.handleMessage(gen, msg)
	})
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		t.reportLost(gen, "subscription failed: timeout")
		c.Disconnect(0)
		return
	}
	if err := token.Error(); err != nil {
		t.reportLost(gen, fmt.Sprintf("subscription failed: %v", err))
		c.Disconnect(0)
		return
	}

	t.mu.Lock()
	if gen == t.gen {
		t.state = StateConnected
	}
	t.mu.Unlock()
	t.reportEstablished(gen)
}

// handleMessage normalizes one inbound publish. The user client subscribes
// only to the operator's own topic, so the topic names the conversation.
func (t *MQTTTransport) handleMessage(gen uint64, msg mqtt.Message) {
	kind := MessageDirect
	if t.cfg.ReceiveOnly {
		kind = MessageBroadcast
	}
	t.emit(gen, Event{
		Transport: t.cfg.Kind,
		Type:      EventMessage,
		Sender:    msg.Topic(),
		Text:      string(msg.Payload()),
		MsgKind:   kind,
	})
}

// Send publishes text to the destination topic at QoS 1 without retain.
// The channel index is meaningless on MQTT and ignored.
func (t *MQTTTransport) Send(destination, text string, _ int) error {
	if t.cfg.ReceiveOnly {
		return ErrReceiveOnly
	}

	t.mu.Lock()
	if t.state != StateConnected || t.client == nil {
		t.mu.Unlock()
		return fmt.Errorf("cannot publish to %s: %w", destination, ErrNotConnected)
	}
	client := t.client
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"topic":    destination,
	}).Debug("Publishing MQTT message")

	token := client.Publish(destination, 1, false, []byte(text))
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", destination)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", destination, err)
	}
	return nil
}

// Disconnect stops the network loop, requests a clean disconnect and then
// clears the callback bindings, in that order. Superseding the generation
// first guarantees a callback racing the teardown cannot reach the sink.
// Idempotent.
func (t *MQTTTransport) Disconnect() error {
	t.mu.Lock()
	t.gen++
	client := t.client
	t.client = nil
	wasActive := t.state == StateConnected || t.state == StateConnecting
	t.state = StateClosed
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(mqttDisconnectMS)
	}
	if wasActive {
		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
			"kind":     t.cfg.Kind.String(),
		}).Info("MQTT transport disconnected")
	}
	return nil
}

// reportEstablished fires the established event exactly once per generation.
func (t *MQTTTransport) reportEstablished(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.establishedFired {
		t.mu.Unlock()
		return
	}
	t.establishedFired = true
	sink := t.sink
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "reportEstablished",
		"kind":     t.cfg.Kind.String(),
		"topic":    t.cfg.Topic,
	}).Info("MQTT connection established")

	if sink != nil {
		sink(Event{Transport: t.cfg.Kind, Type: EventEstablished})
	}
}

// reportLost fires the lost event exactly once per generation and discards
// reports from superseded client instances.
func (t *MQTTTransport) reportLost(gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen || t.lostFired {
		t.mu.Unlock()
		return
	}
	t.lostFired = true
	if t.state != StateClosed {
		t.state = StateFailed
	}
	t.client = nil
	sink := t.sink
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "reportLost",
		"kind":     t.cfg.Kind.String(),
		"reason":   reason,
	}).Warn("MQTT connection lost")

	if sink != nil {
		sink(Event{Transport: t.cfg.Kind, Type: EventLost, Reason: reason})
	}
}

// emit delivers a routine event unless the generation was superseded.
func (t *MQTTTransport) emit(gen uint64, ev Event) {
	t.mu.Lock()
	stale := gen != t.gen
	sink := t.sink
	t.mu.Unlock()

	if stale || sink == nil {
		return
	}
	sink(ev)
}
